package mailwatch

import (
	"testing"

	"github.com/sideboard/sideboard/internal/config"
)

func TestNewRequiresHost(t *testing.T) {
	if _, err := New(config.MailPluginConfig{}, nil); err == nil {
		t.Fatal("expected error for missing host")
	}
}

func TestServiceExposesUnreadCount(t *testing.T) {
	w, err := New(config.MailPluginConfig{Host: "imap.example.com", Username: "u", Password: "p"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	svc := w.Service()

	if svc.Name != "mailwatch" {
		t.Fatalf("svc.Name = %q, want mailwatch", svc.Name)
	}
	m, ok := svc.Methods["unread_count"]
	if !ok {
		t.Fatal("expected unread_count method")
	}
	if !m.Subscribable() {
		t.Fatal("expected unread_count to be subscribable")
	}
}
