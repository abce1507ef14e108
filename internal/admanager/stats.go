package admanager

import (
	"github.com/patrickwarner/tenantads/internal/dom"
	"github.com/patrickwarner/tenantads/internal/models"
)

// Stats summarises the registry of a page.
type Stats struct {
	Total  int                   `json:"total"`
	Loaded int                   `json:"loaded"`
	Failed int                   `json:"failed"`
	ByType map[models.AdType]int `json:"byType"`
}

// GetStats scans the registry.
func (m *Manager) GetStats() Stats {
	st := Stats{ByType: make(map[models.AdType]int)}
	for _, e := range m.reg.Entries() {
		st.Total++
		if e.Loaded {
			st.Loaded++
		} else {
			st.Failed++
		}
		st.ByType[e.AdType]++
	}
	m.metrics.SetAdsLoaded(st.Loaded)
	return st
}

// Cleanup removes the head scripts and container content of the given
// ads. Without arguments every registered ad is cleaned up and all
// tracking state is reset.
func (m *Manager) Cleanup(adIDs ...string) {
	all := len(adIDs) == 0
	if all {
		adIDs = m.reg.IDs()
		m.mu.Lock()
		for id := range m.headScripts {
			if !m.reg.Has(id) {
				adIDs = append(adIDs, id)
			}
		}
		m.mu.Unlock()
	}

	for _, id := range adIDs {
		m.mu.Lock()
		scripts := m.headScripts[id]
		delete(m.headScripts, id)
		delete(m.meta, id)
		for slot, owner := range m.slots {
			if owner == id {
				delete(m.slots, slot)
			}
		}
		m.mu.Unlock()

		for _, s := range scripts {
			s.Remove()
		}
		for _, s := range m.doc.QueryAll(`script[` + AttrAdScript + `="` + id + `"]`) {
			s.Remove()
		}
		if e, ok := m.reg.Get(id); ok && e.Element != nil {
			e.Element.Clear()
		}
		m.reg.Remove(id)
	}

	if all {
		m.mu.Lock()
		m.pushed = make(map[string]bool)
		m.slots = make(map[string]string)
		m.headScripts = make(map[string][]*dom.Element)
		m.mu.Unlock()
		m.reg.Clear()
	}
}
