package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// InstanceID is a GREEN-API instance identifier. Ids exceed the exact range of a
// float64 in JavaScript clients, so JSON output is always a string while input
// accepts both a number and a string.
type InstanceID int64

func ParseInstanceID(s string) (InstanceID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid instance id %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid instance id %q: must be positive", s)
	}
	return InstanceID(n), nil
}

func (id InstanceID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

func (id InstanceID) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(id.String())), nil
}

func (id *InstanceID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = 0
		return nil
	}
	s := string(data)
	if len(data) > 0 && data[0] == '"' {
		unquoted, err := strconv.Unquote(s)
		if err != nil {
			return fmt.Errorf("invalid instance id %s: %w", s, err)
		}
		s = unquoted
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid instance id %s: %w", s, err)
	}
	*id = InstanceID(n)
	return nil
}

// InstanceState is the connection state reported by GREEN-API.
type InstanceState string

const (
	StateNotAuthorized InstanceState = "notAuthorized"
	StateAuthorized    InstanceState = "authorized"
	StateBlocked       InstanceState = "blocked"
	StateSleepMode     InstanceState = "sleepMode"
	StateStarting      InstanceState = "starting"
	StateYellowCard    InstanceState = "yellowCard"
)

// Tenant is a HighLevel location holding OAuth credentials.
type Tenant struct {
	ID             string     `db:"id" json:"id"`
	AccessToken    string     `db:"access_token" json:"-"`
	RefreshToken   string     `db:"refresh_token" json:"-"`
	TokenExpiresAt *time.Time `db:"token_expires_at" json:"tokenExpiresAt,omitempty"`
	CompanyID      string     `db:"company_id" json:"companyId,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updatedAt"`
}

// HasTokens reports whether the tenant completed OAuth.
func (t *Tenant) HasTokens() bool {
	return t != nil && t.AccessToken != "" && t.RefreshToken != ""
}

// TenantTokens is the token set written on OAuth callback and refresh.
type TenantTokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	CompanyID    string
}

// Settings is the per-instance settings blob mirrored to GREEN-API.
type Settings struct {
	WebhookURL          string `json:"webhookUrl,omitempty"`
	WebhookURLToken     string `json:"webhookUrlToken,omitempty"`
	IncomingWebhook     string `json:"incomingWebhook,omitempty"`
	StateWebhook        string `json:"stateWebhook,omitempty"`
	IncomingCallWebhook string `json:"incomingCallWebhook,omitempty"`
	Wid                 string `json:"wid,omitempty"`
}

func (s Settings) Value() (driver.Value, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *Settings) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*s = Settings{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Settings", src)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		*s = Settings{}
		return nil
	}
	return json.Unmarshal(raw, s)
}

// Instance is one GREEN-API instance owned by exactly one tenant.
type Instance struct {
	ID        InstanceID    `db:"id" json:"id"`
	APIToken  string        `db:"api_token" json:"-"`
	State     InstanceState `db:"state" json:"state"`
	Name      string        `db:"name" json:"name"`
	Settings  Settings      `db:"settings" json:"settings"`
	TenantID  string        `db:"tenant_id" json:"locationId"`
	CreatedAt time.Time     `db:"created_at" json:"createdAt"`
}

// DisplayName falls back to a generated name when none was set.
func (i *Instance) DisplayName() string {
	if i.Name != "" {
		return i.Name
	}
	return "Instance " + i.ID.String()
}

func (i *Instance) Authorized() bool {
	return i.State == StateAuthorized
}
