package phone

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		region  string
		want    string
		wantErr bool
	}{
		{name: "already e164", raw: "+14155552671", region: "", want: "+14155552671"},
		{name: "french local with default region", raw: "06 12 34 56 78", region: "FR", want: "+33612345678"},
		{name: "strips dots and hyphens", raw: "06.12.34.56-78", region: "FR", want: "+33612345678"},
		{name: "empty", raw: "   ", region: "FR", wantErr: true},
		{name: "garbage", raw: "not-a-number", region: "FR", wantErr: true},
		{name: "too short for region", raw: "123", region: "US", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.raw, tt.region)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Normalize(%q, %q) = %q, want error", tt.raw, tt.region, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize(%q, %q) unexpected error: %v", tt.raw, tt.region, err)
			}
			if got != tt.want {
				t.Fatalf("Normalize(%q, %q) = %q, want %q", tt.raw, tt.region, got, tt.want)
			}
			if got[0] != '+' {
				t.Fatalf("result %q does not start with '+'", got)
			}
		})
	}
}
