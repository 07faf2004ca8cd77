package cli

import "testing"

func TestParsePortSpec(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		in       string
		wantName string
		wantPath string
		wantErr  bool
	}{
		{in: "console0", wantName: "console0", wantPath: ""},
		{in: "logs:/tmp/guest.log", wantName: "logs", wantPath: "/tmp/guest.log"},
		{in: "", wantErr: true},
		{in: ":/tmp/x", wantErr: true},
	} {
		got, err := parsePortSpec(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parsePortSpec(%q): expected error, got none", tt.in)
			}

			continue
		}

		if err != nil {
			t.Errorf("parsePortSpec(%q): unexpected error: %v", tt.in, err)

			continue
		}

		if got.name != tt.wantName || got.path != tt.wantPath {
			t.Errorf("parsePortSpec(%q) = %+v, want {%q %q}", tt.in, got, tt.wantName, tt.wantPath)
		}
	}
}

func TestParseMAC(t *testing.T) {
	t.Parallel()

	if mac, err := parseMAC(""); err != nil || mac != nil {
		t.Fatalf("parseMAC(\"\") = (%v, %v), want (nil, nil)", mac, err)
	}

	mac, err := parseMAC("02:00:00:00:00:01")
	if err != nil {
		t.Fatalf("parseMAC: unexpected error: %v", err)
	}

	want := [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	if *mac != want {
		t.Fatalf("parseMAC = %x, want %x", *mac, want)
	}

	if _, err := parseMAC("not-a-mac"); err == nil {
		t.Fatal("expected error for malformed MAC")
	}
}
