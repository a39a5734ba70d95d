// Package contacts keeps a file-backed cache of display names seen on
// inbound events and fetched via get_stranger_info, so status output
// and logs can show names instead of bare numeric ids.
package contacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

type Contact struct {
	Account     string    `json:"account"`
	ContactID   string    `json:"contact_id"`
	Kind        string    `json:"kind"` // "user" or "group"
	DisplayName string    `json:"display_name"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Store struct {
	mu       sync.RWMutex
	contacts map[string]*Contact
	filePath string
}

func NewStore(dir string) *Store {
	os.MkdirAll(dir, 0755)

	s := &Store{
		contacts: make(map[string]*Contact),
		filePath: filepath.Join(dir, "contacts.json"),
	}
	s.load()
	return s
}

func makeKey(account, contactID string) string {
	return fmt.Sprintf("%s:%s", account, contactID)
}

func (s *Store) Get(account, contactID string) *Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contacts[makeKey(account, contactID)]
}

// Remember records a display name, overwriting any previous entry for
// the same account/contact pair. Empty names are ignored.
func (s *Store) Remember(account, contactID, kind, displayName string) error {
	if displayName == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := makeKey(account, contactID)
	existing, ok := s.contacts[key]
	if ok {
		if existing.DisplayName == displayName {
			return nil
		}
		existing.DisplayName = displayName
		existing.UpdatedAt = time.Now()
	} else {
		s.contacts[key] = &Contact{
			Account:     account,
			ContactID:   contactID,
			Kind:        kind,
			DisplayName: displayName,
			UpdatedAt:   time.Now(),
		}
	}
	return s.saveLocked()
}

func (s *Store) List() []Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		result = append(result, *c)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Account != result[j].Account {
			return result[i].Account < result[j].Account
		}
		return result[i].ContactID < result[j].ContactID
	})
	return result
}

func (s *Store) load() {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return
	}

	var contacts []Contact
	if err := json.Unmarshal(data, &contacts); err != nil {
		return
	}
	for i := range contacts {
		c := contacts[i]
		s.contacts[makeKey(c.Account, c.ContactID)] = &c
	}
}

func (s *Store) saveLocked() error {
	contacts := make([]Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		contacts = append(contacts, *c)
	}
	sort.Slice(contacts, func(i, j int) bool {
		if contacts[i].Account != contacts[j].Account {
			return contacts[i].Account < contacts[j].Account
		}
		return contacts[i].ContactID < contacts[j].ContactID
	})

	data, err := json.MarshalIndent(contacts, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.filePath, data, 0644)
}
