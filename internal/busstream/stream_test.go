package busstream

import (
	"testing"

	"github.com/dbus2/busd-sub000"
	"github.com/dbus2/busd-sub000/internal/registry"
)

func TestEnforce(t *testing.T) {
	const self = registry.UniqueName(":busd.1")

	tests := []struct {
		name        string
		msg         dbus.RawMessage
		wantSender  string
		wantMalform bool
		wantSpoofed bool
	}{
		{
			name: "call missing destination",
			msg: dbus.RawMessage{Header: dbus.RawHeader{
				Type: dbus.MessageCall,
			}},
			wantMalform: true,
		},
		{
			name: "signal without destination is fine",
			msg: dbus.RawMessage{Header: dbus.RawHeader{
				Type: dbus.MessageSignal,
			}},
			wantSender: string(self),
		},
		{
			name: "sender filled in when absent",
			msg: dbus.RawMessage{Header: dbus.RawHeader{
				Type:        dbus.MessageCall,
				Destination: "org.test",
			}},
			wantSender: string(self),
		},
		{
			name: "sender matching self passes through",
			msg: dbus.RawMessage{Header: dbus.RawHeader{
				Type:        dbus.MessageCall,
				Destination: "org.test",
				Sender:      string(self),
			}},
			wantSender: string(self),
		},
		{
			name: "spoofed sender rejected",
			msg: dbus.RawMessage{Header: dbus.RawHeader{
				Type:        dbus.MessageCall,
				Destination: "org.test",
				Sender:      ":busd.99",
			}},
			wantSpoofed: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := Enforce(&tc.msg, self)
			switch {
			case tc.wantMalform:
				if _, ok := err.(*MalformedMessage); !ok {
					t.Fatalf("Enforce() err = %v, want *MalformedMessage", err)
				}
			case tc.wantSpoofed:
				if _, ok := err.(*SpoofedSender); !ok {
					t.Fatalf("Enforce() err = %v, want *SpoofedSender", err)
				}
			default:
				if err != nil {
					t.Fatalf("Enforce() unexpected err = %v", err)
				}
				if tc.msg.Header.Sender != tc.wantSender {
					t.Errorf("Sender = %q, want %q", tc.msg.Header.Sender, tc.wantSender)
				}
			}
		})
	}
}
