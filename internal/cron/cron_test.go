package cron

import (
	"testing"
	"time"
)

func TestExprForInterval(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		want     string
	}{
		{"one minute", 60 * time.Second, "* * * * *"},
		{"thirty seconds", 30 * time.Second, "* * * * *"},
		{"five minutes", 300 * time.Second, "*/5 * * * *"},
		{"one hour", 3600 * time.Second, "*/60 * * * *"},
		{"six hours", 6 * 3600 * time.Second, "0 */6 * * *"},
		{"one day", 86400 * time.Second, "0 */24 * * *"},
		{"two days", 172800 * time.Second, "0 0 * * *"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExprForInterval(tt.interval); got != tt.want {
				t.Errorf("ExprForInterval(%s) = %q, want %q", tt.interval, got, tt.want)
			}
		})
	}
}
