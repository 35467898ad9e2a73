package models

import "fmt"

// SyncStats is the result surface of every top-level journal operation.
// Errors never abort a batch silently: the count is carried here and the
// details land in the log.
type SyncStats struct {
	Fetched  int    `json:"fetched"`
	New      int    `json:"new"`
	Existing int    `json:"existing"`
	Errors   int    `json:"errors"`
	Message  string `json:"message,omitempty"`
}

// Merge folds another partition's stats into this one.
func (s *SyncStats) Merge(other SyncStats) {
	s.Fetched += other.Fetched
	s.New += other.New
	s.Existing += other.Existing
	s.Errors += other.Errors
	if other.Message != "" {
		if s.Message != "" {
			s.Message += "; "
		}
		s.Message += other.Message
	}
}

// String renders the one-line summary used in logs.
func (s SyncStats) String() string {
	return fmt.Sprintf("fetched=%d new=%d existing=%d errors=%d", s.Fetched, s.New, s.Existing, s.Errors)
}
