package discovery

import "testing"

func TestServiceURLs(t *testing.T) {
	tests := []struct {
		name        string
		svc         *Service
		wantSession string
		wantAPI     string
	}{
		{
			name:        "full TXT",
			svc:         &Service{IP: "192.168.1.10", Port: 3001, Metadata: map[string]string{"path": "/ws", "api": "3000"}},
			wantSession: "ws://192.168.1.10:3001/ws",
			wantAPI:     "http://192.168.1.10:3000",
		},
		{
			name:        "no TXT",
			svc:         &Service{IP: "10.0.0.5", Port: 8080},
			wantSession: "ws://10.0.0.5:8080/ws",
			wantAPI:     "http://10.0.0.5:8080",
		},
		{
			name:        "path without slash and bad api port",
			svc:         &Service{IP: "10.0.0.5", Port: 8080, Metadata: map[string]string{"path": "socket", "api": "x"}},
			wantSession: "ws://10.0.0.5:8080/socket",
			wantAPI:     "http://10.0.0.5:8080",
		},
		{
			name:        "IPv6",
			svc:         &Service{IP: "fe80::1", Port: 3001},
			wantSession: "ws://[fe80::1]:3001/ws",
			wantAPI:     "http://[fe80::1]:3001",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.svc.SessionURL(); got != tt.wantSession {
				t.Errorf("SessionURL() = %v, want %v", got, tt.wantSession)
			}
			if got := tt.svc.APIURL(); got != tt.wantAPI {
				t.Errorf("APIURL() = %v, want %v", got, tt.wantAPI)
			}
		})
	}
}

func TestServiceString(t *testing.T) {
	svc := &Service{Instance: "palpalette-backend", Hostname: "backend.local.", IP: "192.168.1.10", Port: 3001}
	want := "palpalette-backend (backend.local.) at 192.168.1.10:3001"
	if svc.String() != want {
		t.Errorf("String() = %v, want %v", svc.String(), want)
	}
}

func TestServiceGetMetadataNil(t *testing.T) {
	var svc Service
	if got := svc.GetMetadata("path"); got != "" {
		t.Errorf("GetMetadata() = %q, want empty", got)
	}
}
