package chat

import "github.com/chaz8081/btcomm/internal/ble/protocol"

// mockSender records Notify calls.
type mockSender struct {
	sent   []protocol.Envelope
	failAt int // 1-based call that fails, 0 for never
	err    error
}

func (m *mockSender) Notify(env protocol.Envelope) error {
	if m.failAt > 0 && len(m.sent)+1 == m.failAt {
		return m.err
	}
	m.sent = append(m.sent, env)
	return nil
}
