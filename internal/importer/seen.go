package importer

import "github.com/google/uuid"

// seenSet stands in for customers a dry run would have created, so later
// rows in the same batch see them as duplicates or loan owners.
type seenSet struct {
	byPhone map[string]string
	byNRC   map[string]string
	ids     map[string]struct{}
}

func newSeenSet() *seenSet {
	return &seenSet{
		byPhone: make(map[string]string),
		byNRC:   make(map[string]string),
		ids:     make(map[string]struct{}),
	}
}

// add records a predicted customer and returns its placeholder id.
func (s *seenSet) add(phone, nrc string) string {
	id := "dry-run-" + uuid.NewString()
	if phone != "" {
		s.byPhone[phone] = id
	}
	if nrc != "" {
		s.byNRC[nrc] = id
	}
	s.ids[id] = struct{}{}
	return id
}

// lookup returns the placeholder id holding phone or nrc, or "".
func (s *seenSet) lookup(phone, nrc string) string {
	if phone != "" {
		if id, ok := s.byPhone[phone]; ok {
			return id
		}
	}
	if nrc != "" {
		if id, ok := s.byNRC[nrc]; ok {
			return id
		}
	}
	return ""
}

func (s *seenSet) hasID(id string) bool {
	_, ok := s.ids[id]
	return ok
}
