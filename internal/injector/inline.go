package injector

import "strings"

// InlineOffsets returns the index of the paragraph in which the running
// word count reaches offset, or -1 when the content is shorter than offset.
// An offset of zero or less places the ad after the first paragraph.
func InlineOffsets(paragraphs []string, offset int) int {
	if len(paragraphs) == 0 {
		return -1
	}
	if offset <= 0 {
		return 0
	}
	words := 0
	for i, p := range paragraphs {
		words += len(strings.Fields(p))
		if words >= offset {
			return i
		}
	}
	return -1
}
