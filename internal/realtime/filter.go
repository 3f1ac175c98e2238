package realtime

import (
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/mbd888/infravault/internal/audit"
)

// maxFilterIDs bounds the id lists a single client may watch.
const maxFilterIDs = 100

// Filter selects the events a client receives. Empty lists match every
// event. SinceSeq > 0 asks for the stored events after that sequence
// number to be replayed before live delivery resumes.
type Filter struct {
	Types       []audit.EventType `json:"types,omitempty"`
	NetworkIDs  []uint64          `json:"networkIds,omitempty"`
	AnalysisIDs []uint64          `json:"analysisIds,omitempty"`
	SinceSeq    int64             `json:"sinceSeq,omitempty"`
}

func (f Filter) validate() error {
	for _, t := range f.Types {
		if !t.Valid() {
			return fmt.Errorf("unknown event type %q", t)
		}
	}
	if len(f.NetworkIDs) > maxFilterIDs || len(f.AnalysisIDs) > maxFilterIDs {
		return fmt.Errorf("at most %d network or analysis ids per filter", maxFilterIDs)
	}
	if f.SinceSeq < 0 {
		return fmt.Errorf("sinceSeq must not be negative")
	}
	return nil
}

func (f Filter) matches(e *audit.Event) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, e.Type) {
		return false
	}
	if len(f.NetworkIDs) > 0 && !slices.Contains(f.NetworkIDs, e.NetworkID) {
		return false
	}
	if len(f.AnalysisIDs) > 0 && !slices.Contains(f.AnalysisIDs, e.AnalysisID) {
		return false
	}
	return true
}

// filterFromQuery reads the initial filter from the upgrade request:
// ?types=a,b&network=1,2&analysis=3&since=40
func filterFromQuery(q url.Values) (Filter, error) {
	var f Filter
	for _, t := range splitList(q.Get("types")) {
		f.Types = append(f.Types, audit.EventType(t))
	}
	var err error
	if f.NetworkIDs, err = parseIDs(q.Get("network")); err != nil {
		return f, fmt.Errorf("network: %w", err)
	}
	if f.AnalysisIDs, err = parseIDs(q.Get("analysis")); err != nil {
		return f, fmt.Errorf("analysis: %w", err)
	}
	if s := q.Get("since"); s != "" {
		if f.SinceSeq, err = strconv.ParseInt(s, 10, 64); err != nil {
			return f, fmt.Errorf("since: %w", err)
		}
	}
	return f, f.validate()
}

func parseIDs(raw string) ([]uint64, error) {
	var ids []uint64
	for _, s := range splitList(raw) {
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("invalid id %q", s)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
