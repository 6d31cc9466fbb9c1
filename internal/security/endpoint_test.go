package security

import "testing"

func TestValidateEndpointURL(t *testing.T) {
	cases := []struct {
		name string
		url  string
		ok   bool
	}{
		{"public ip http", "http://93.184.216.34/hook", true},
		{"public ip https", "https://93.184.216.34/hook", true},
		{"bad scheme", "ftp://93.184.216.34/hook", false},
		{"no host", "https:///hook", false},
		{"localhost", "http://localhost/hook", false},
		{"loopback", "http://127.0.0.1/hook", false},
		{"private 10", "http://10.0.0.5/hook", false},
		{"private 192", "http://192.168.1.1/hook", false},
		{"unspecified", "http://0.0.0.0/hook", false},
		{"link local", "http://169.254.169.254/latest/meta-data", false},
		{"gcp metadata host", "http://metadata.google.internal/computeMetadata", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateEndpointURL(tc.url)
			if tc.ok && err != nil {
				t.Errorf("ValidateEndpointURL(%q) unexpected error: %v", tc.url, err)
			}
			if !tc.ok && err == nil {
				t.Errorf("ValidateEndpointURL(%q) should be rejected", tc.url)
			}
		})
	}
}

func TestCheckIPv6(t *testing.T) {
	cases := []struct {
		url string
		ok  bool
	}{
		{"http://[::1]/hook", false},
		{"http://[fe80::1]/hook", false},
		{"http://[2606:2800:220:1:248:1893:25c8:1946]/hook", true},
	}
	for _, tc := range cases {
		err := ValidateEndpointURL(tc.url)
		if tc.ok && err != nil {
			t.Errorf("ValidateEndpointURL(%q) unexpected error: %v", tc.url, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("ValidateEndpointURL(%q) should be rejected", tc.url)
		}
	}
}
