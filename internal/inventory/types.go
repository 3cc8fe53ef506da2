package inventory

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ResourceTool is the lockable resource type of tools.
const ResourceTool = "tool"

var (
	ErrNotFound      = errors.New("inventory: not found")
	ErrAlreadyExists = errors.New("inventory: already exists")
	ErrInvalidInput  = errors.New("inventory: invalid input")
)

// Tool statuses.
const (
	StatusAvailable   = "available"
	StatusCheckedOut  = "checked_out"
	StatusCalibration = "calibration"
	StatusRetired     = "retired"
)

var validStatuses = map[string]struct{}{
	StatusAvailable:   {},
	StatusCheckedOut:  {},
	StatusCalibration: {},
	StatusRetired:     {},
}

// Tool is a shared, version-locked inventory record.
type Tool struct {
	ID           int64     `json:"id"`
	ToolNumber   string    `json:"tool_number"`
	SerialNumber string    `json:"serial_number"`
	Description  string    `json:"description"`
	Location     string    `json:"location"`
	Category     string    `json:"category"`
	Status       string    `json:"status"`
	Version      int64     `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (t Tool) ResourceType() string  { return ResourceTool }
func (t Tool) ResourceID() int64     { return t.ID }
func (t Tool) CurrentVersion() int64 { return t.Version }

// NewTool is the input for creating a tool.
type NewTool struct {
	ToolNumber   string `json:"tool_number"`
	SerialNumber string `json:"serial_number"`
	Description  string `json:"description"`
	Location     string `json:"location"`
	Category     string `json:"category"`
	Status       string `json:"status"`
}

// Normalize trims fields, applies defaults and validates.
func (n NewTool) Normalize() (NewTool, error) {
	n.ToolNumber = strings.TrimSpace(n.ToolNumber)
	n.SerialNumber = strings.TrimSpace(n.SerialNumber)
	n.Description = strings.TrimSpace(n.Description)
	n.Location = strings.TrimSpace(n.Location)
	n.Category = strings.TrimSpace(n.Category)
	n.Status = strings.TrimSpace(n.Status)
	if n.ToolNumber == "" {
		return NewTool{}, fmt.Errorf("%w: tool_number is required", ErrInvalidInput)
	}
	if n.Status == "" {
		n.Status = StatusAvailable
	}
	if _, ok := validStatuses[n.Status]; !ok {
		return NewTool{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, n.Status)
	}
	return n, nil
}

// ToolUpdate is a partial update; nil fields are left unchanged.
type ToolUpdate struct {
	SerialNumber *string `json:"serial_number"`
	Description  *string `json:"description"`
	Location     *string `json:"location"`
	Category     *string `json:"category"`
	Status       *string `json:"status"`
}

// Validate rejects unknown statuses.
func (u ToolUpdate) Validate() error {
	if u.Status != nil {
		if _, ok := validStatuses[strings.TrimSpace(*u.Status)]; !ok {
			return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, *u.Status)
		}
	}
	return nil
}

// Apply copies the set fields onto t.
func (u ToolUpdate) Apply(t *Tool) {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
		}
	}
	set(&t.SerialNumber, u.SerialNumber)
	set(&t.Description, u.Description)
	set(&t.Location, u.Location)
	set(&t.Category, u.Category)
	set(&t.Status, u.Status)
}
