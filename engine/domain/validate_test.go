package domain

import (
	"errors"
	"testing"
)

func TestValidateTenantIDFailsClosed(t *testing.T) {
	cases := []struct {
		name    string
		tenant  string
		wantErr error
	}{
		{"empty", "", ErrEmptyTenant},
		{"default placeholder", "default", ErrDefaultTenant},
		{"whitespace only", "   ", ErrEmptyTenant},
		{"valid", "tenant-42", nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := ValidateTenantID(c.tenant)
			if c.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, c.wantErr) {
				t.Fatalf("got %v, want wrapping %v", err, c.wantErr)
			}
		})
	}
}

func TestValidatePost(t *testing.T) {
	valid := Post{TenantID: "t1", ChannelID: "c1", PlatformMessageID: 42}
	if err := ValidatePost(valid); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	invalid := valid
	invalid.PlatformMessageID = 0
	if err := ValidatePost(invalid); !errors.Is(err, ErrInvalidPost) {
		t.Fatalf("got %v, want ErrInvalidPost", err)
	}
}

func TestNormalizeTagSetDedupAndCase(t *testing.T) {
	got := NormalizeTagSet([]string{"Meme", " meme ", "Politics", "politics", ""})
	want := []string{"meme", "politics"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
