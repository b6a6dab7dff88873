// Package alert posts ledger incidents to a Slack incoming webhook.
package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Severity maps to the Slack attachment color.
type Severity string

const (
	SeverityDanger  Severity = "danger"
	SeverityWarning Severity = "warning"
	SeverityGood    Severity = "good"
)

const (
	footerIntegrity = "votechain integrity monitor"
	footerSystem    = "votechain system monitor"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Manager is safe to use as a nil pointer; every send is then a no-op.
type Manager struct {
	enabled      bool
	slackWebhook string
	httpClient   HTTPClient
	now          func() time.Time
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  Severity     `json:"color"`
	Title  string       `json:"title"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func NewManager(enabled bool, slackWebhook string) *Manager {
	return NewManagerWithClient(enabled, slackWebhook, &http.Client{Timeout: 10 * time.Second})
}

func NewManagerWithClient(enabled bool, slackWebhook string, client HTTPClient) *Manager {
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		httpClient:   client,
		now:          time.Now,
	}
}

// Enabled reports whether alerts will actually be delivered.
func (m *Manager) Enabled() bool {
	return m != nil && m.enabled && m.slackWebhook != ""
}

// SendTamperAlert reports a write to a ledger table that bypassed the ledger.
func (m *Manager) SendTamperAlert(tableName, operation, blockID, details string) error {
	return m.post("🚨 *TAMPERING DETECTED*", m.attachment(SeverityDanger, "Ledger Table Tampering", footerIntegrity,
		slackField{Title: "Table", Value: tableName, Short: true},
		slackField{Title: "Operation", Value: operation, Short: true},
		slackField{Title: "Block", Value: blockID, Short: true},
		slackField{Title: "Details", Value: details},
	))
}

// SendIntegrityAlert reports the first failure found by a chain verification.
// Empty expected or actual values are left out.
func (m *Manager) SendIntegrityAlert(blockIndex uint64, kind, expected, actual string) error {
	fields := []slackField{
		{Title: "Block", Value: strconv.FormatUint(blockIndex, 10), Short: true},
		{Title: "Kind", Value: kind, Short: true},
	}
	if expected != "" {
		fields = append(fields, slackField{Title: "Expected", Value: expected})
	}
	if actual != "" {
		fields = append(fields, slackField{Title: "Actual", Value: actual})
	}

	return m.post("🚨 *VOTE LEDGER INTEGRITY VIOLATION*",
		m.attachment(SeverityDanger, "Hash Chain Broken", footerIntegrity, fields...))
}

// SendRecoveredAlert reports that the chain verifies again after a failure.
func (m *Manager) SendRecoveredAlert(blocks int) error {
	return m.post("✅ *Vote ledger verifies again*", m.attachment(SeverityGood, "Hash Chain Intact", footerIntegrity,
		slackField{Title: "Blocks checked", Value: strconv.Itoa(blocks), Short: true},
	))
}

func (m *Manager) SendSystemAlert(title, message string, severity Severity) error {
	switch severity {
	case SeverityWarning, SeverityGood:
	default:
		severity = SeverityDanger
	}

	return m.post(fmt.Sprintf("🚨 *SYSTEM ALERT: %s*", title), m.attachment(severity, title, footerSystem,
		slackField{Title: "Message", Value: message},
	))
}

func (m *Manager) attachment(severity Severity, title, footer string, fields ...slackField) slackAttachment {
	a := slackAttachment{
		Color:  severity,
		Title:  title,
		Fields: fields,
		Footer: footer,
	}
	if m != nil && m.now != nil {
		a.Ts = m.now().Unix()
	}
	return a
}

func (m *Manager) post(text string, attachment slackAttachment) error {
	if !m.Enabled() {
		return nil
	}

	payload, err := json.Marshal(slackMessage{Text: text, Attachments: []slackAttachment{attachment}})
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, m.slackWebhook, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned non-200 status: %d", resp.StatusCode)
	}

	return nil
}
