// Package models defines shared data types for the application.
package models

import (
	"fmt"
	"strings"
	"time"
)

// ForwardConfig describes one source chat and where its messages go.
// SourceID is unique within a forwarding session.
type ForwardConfig struct {
	SourceID        int64  `json:"sourceID" yaml:"sourceID"`
	SourceName      string `json:"sourceName" yaml:"sourceName"`
	DestinationID   int64  `json:"destinationID" yaml:"destinationID"`
	DestinationName string `json:"destinationName" yaml:"destinationName"`

	// inclusive calendar bounds for backfill, interpreted in the configured zone
	StartDate *Date `json:"startDate,omitempty" yaml:"startDate,omitempty"`
	EndDate   *Date `json:"endDate,omitempty" yaml:"endDate,omitempty"`

	// nil means enabled
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the config was not switched off.
func (c ForwardConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Active reports whether the config takes part in dispatch.
// A config without destination is inert.
func (c ForwardConfig) Active() bool {
	return c.DestinationID != 0 && c.IsEnabled()
}

// Since returns the lower time bound (start of StartDate) or zero time.
func (c ForwardConfig) Since(loc *time.Location) time.Time {
	if c.StartDate == nil {
		return time.Time{}
	}
	return c.StartDate.StartOfDay(loc)
}

// Until returns the upper time bound (end of EndDate) or zero time.
func (c ForwardConfig) Until(loc *time.Location) time.Time {
	if c.EndDate == nil {
		return time.Time{}
	}
	return c.EndDate.EndOfDay(loc)
}

// String renders the config the way the console lists it.
func (c ForwardConfig) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%q -> %q", c.SourceName, c.DestinationName)

	var parts []string
	if c.StartDate != nil {
		parts = append(parts, "from "+c.StartDate.String())
	}
	if c.EndDate != nil {
		parts = append(parts, "to "+c.EndDate.String())
	}
	if len(parts) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, " "))
	}
	if !c.IsEnabled() {
		b.WriteString(" [disabled]")
	}
	return b.String()
}

// ForwardSet is the ordered config list of one forwarding run.
// It is immutable once built.
type ForwardSet struct {
	list  []ForwardConfig
	index map[int64]int
}

// NewForwardSet builds a set, rejecting duplicate source ids.
func NewForwardSet(configs []ForwardConfig) (*ForwardSet, error) {
	s := &ForwardSet{
		list:  make([]ForwardConfig, 0, len(configs)),
		index: make(map[int64]int, len(configs)),
	}
	for _, c := range configs {
		if _, dup := s.index[c.SourceID]; dup {
			return nil, fmt.Errorf("duplicate source id %d", c.SourceID)
		}
		s.index[c.SourceID] = len(s.list)
		s.list = append(s.list, c)
	}
	return s, nil
}

// Get returns the config for a source chat.
func (s *ForwardSet) Get(sourceID int64) (ForwardConfig, bool) {
	i, ok := s.index[sourceID]
	if !ok {
		return ForwardConfig{}, false
	}
	return s.list[i], true
}

// Destination returns the destination for an active source chat, or 0.
func (s *ForwardSet) Destination(sourceID int64) int64 {
	c, ok := s.Get(sourceID)
	if !ok || !c.Active() {
		return 0
	}
	return c.DestinationID
}

// All returns a copy of the configs in order.
func (s *ForwardSet) All() []ForwardConfig {
	out := make([]ForwardConfig, len(s.list))
	copy(out, s.list)
	return out
}

// Active returns active configs in order.
func (s *ForwardSet) Active() []ForwardConfig {
	var out []ForwardConfig
	for _, c := range s.list {
		if c.Active() {
			out = append(out, c)
		}
	}
	return out
}

// SourceIDs returns ids of active source chats in order.
func (s *ForwardSet) SourceIDs() []int64 {
	var ids []int64
	for _, c := range s.list {
		if c.Active() {
			ids = append(ids, c.SourceID)
		}
	}
	return ids
}

// Len returns the number of configs, active or not.
func (s *ForwardSet) Len() int {
	return len(s.list)
}
