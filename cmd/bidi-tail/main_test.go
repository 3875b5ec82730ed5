package main

import "testing"

func TestAPIBase(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"ws://127.0.0.1:9222/session", "http://127.0.0.1:9222", false},
		{"wss://relay.example.test/session?token=x", "https://relay.example.test", false},
		{"http://127.0.0.1:9222/session", "", true},
	}
	for _, tt := range tests {
		got, err := apiBase(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("apiBase(%q) = %q, %v", tt.in, got, err)
		}
	}
}
