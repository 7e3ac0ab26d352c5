package chatgate

import (
	"strings"
	"testing"
)

func TestParseIntents(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Intents
		wantErr bool
	}{
		{"", IntentsNone, false},
		{" 0 ", IntentsNone, false},
		{"1", IntentUsers, false},
		{"6", IntentRooms | IntentMessages, false},
		{"15", IntentsAll, false},
		{"16", IntentsNone, true},
		{"-1", IntentsNone, true},
		{"users", IntentsNone, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseIntents(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseIntents(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err != nil && !strings.Contains(err.Error(), ErrInvalidIntents) {
				t.Errorf("error %q does not mention %q", err, ErrInvalidIntents)
			}
			if got != tt.want {
				t.Errorf("ParseIntents(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestIntentsHas(t *testing.T) {
	t.Parallel()

	i := IntentRooms | IntentMessages
	if !i.Has(IntentMessages) {
		t.Error("expected messages")
	}
	if !i.Has(IntentMessages | IntentModeration) {
		t.Error("Has matches on intersection")
	}
	if i.Has(IntentModeration) {
		t.Error("unexpected moderation")
	}
	if IntentsNone.Has(IntentsAll) {
		t.Error("no intents match nothing")
	}
	if got := i.String(); got != "rooms|messages" {
		t.Errorf("String() = %q", got)
	}
	if got := IntentsNone.String(); got != "none" {
		t.Errorf("String() = %q", got)
	}
}

func TestPermissions(t *testing.T) {
	t.Parallel()

	mod := PermissionBanUsers | PermissionManageMessages
	if !mod.Has(PermissionBanUsers) || !mod.Has(PermissionBanUsers|PermissionManageMessages) {
		t.Error("expected granted permissions")
	}
	if mod.Has(PermissionManageRooms) || mod.Has(PermissionBanUsers|PermissionManageRooms) {
		t.Error("Has requires every bit")
	}
	if mod.IsAdministrator() {
		t.Error("not an administrator")
	}

	admin := PermissionAdministrator
	if !admin.Has(PermissionManageRooms|PermissionBanUsers) || !admin.IsAdministrator() {
		t.Error("administrators hold every permission")
	}
}

func TestParsePresence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Presence
		wantErr bool
	}{
		{"", PresenceOnline, false},
		{"online", PresenceOnline, false},
		{" AWAY ", PresenceAway, false},
		{"busy", PresenceBusy, false},
		{"offline", PresenceOffline, false},
		{"invisible", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePresence(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePresence(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParsePresence(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCloseCodesAreDistinct(t *testing.T) {
	t.Parallel()

	codes := map[int]string{}
	for name, code := range map[string]int{
		"CloseNormal":             CloseNormal,
		"CloseGoingAway":          CloseGoingAway,
		"CloseInvalidMessageType": CloseInvalidMessageType,
		"CloseInvalidPayloadData": CloseInvalidPayloadData,
		"ClosePolicyViolation":    ClosePolicyViolation,
		"CloseMessageTooBig":      CloseMessageTooBig,
		"CloseInternalError":      CloseInternalError,
		"CloseTryAgainLater":      CloseTryAgainLater,
		"CloseBanned":             CloseBanned,
	} {
		if other, ok := codes[code]; ok {
			t.Errorf("%s and %s share code %d", name, other, code)
		}
		codes[code] = name
	}
	if CloseBanned < 4000 || CloseBanned > 4999 {
		t.Errorf("CloseBanned = %d, want an application code", CloseBanned)
	}
}
