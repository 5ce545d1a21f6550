package chatclient

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/npezzotti/prayer-meetups/internal/types"
)

// appendMessage adds msg to the log and reports whether it was new.
func (m *Manager) appendMessage(msg types.ChatMessage) bool {
	m.msgLock.Lock()
	defer m.msgLock.Unlock()

	if _, ok := m.seen[msg.Id]; ok {
		return false
	}

	m.seen[msg.Id] = struct{}{}
	m.messages = append(m.messages, msg)
	return true
}

// Messages returns a copy of the message log for the viewed meetup.
func (m *Manager) Messages() []types.ChatMessage {
	m.msgLock.RLock()
	defer m.msgLock.RUnlock()

	return slices.Clone(m.messages)
}

// LoadHistory fetches the stored messages of the viewed meetup from the HTTP
// API at baseURL and merges them into the log. Messages that already arrived
// live are not duplicated.
func (m *Manager) LoadHistory(ctx context.Context, client *http.Client, baseURL string) error {
	if client == nil {
		client = http.DefaultClient
	}

	url := fmt.Sprintf("%s/api/prayers/%d/messages", strings.TrimSuffix(baseURL, "/"), m.opts.PrayerId)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("get history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get history: unexpected status %s", resp.Status)
	}

	var history []types.ChatMessage
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return fmt.Errorf("decode history: %w", err)
	}

	m.msgLock.Lock()
	defer m.msgLock.Unlock()

	for _, msg := range history {
		if _, ok := m.seen[msg.Id]; ok {
			continue
		}
		m.seen[msg.Id] = struct{}{}
		m.messages = append(m.messages, msg)
	}

	slices.SortStableFunc(m.messages, func(a, b types.ChatMessage) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Id, b.Id)
	})

	return nil
}
