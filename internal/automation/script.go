//go:build !no_automation

package automation

import "time"

// ScriptMeta is the JSON header stored on the first line of a script file.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is a single automation script stored on disk.
type Script struct {
	ID        string     `json:"id"` // filename stem
	Meta      ScriptMeta `json:"meta"`
	Code      string     `json:"code"`
	Running   bool       `json:"running"`
	UpdatedAt time.Time  `json:"updated_at"`
	FilePath  string     `json:"-"`
}
