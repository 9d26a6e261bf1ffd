package storage

import (
	"testing"
)

func TestFullKeyPrefixHandling(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		key    string
		want   string
	}{
		{"no prefix", "", "acct/video/task/file.mp4", "acct/video/task/file.mp4"},
		{"prefix joined", "artifacts", "acct/file.mp4", "artifacts/acct/file.mp4"},
		{"trailing slash trimmed", "artifacts/", "acct/file.mp4", "artifacts/acct/file.mp4"},
		{"leading slash trimmed", "artifacts", "/acct/file.mp4", "artifacts/acct/file.mp4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &S3Client{config: S3Config{Bucket: "bucket", Prefix: tt.prefix}}
			if got := c.fullKey(tt.key); got != tt.want {
				t.Errorf("fullKey(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestObjectURL(t *testing.T) {
	c := &S3Client{config: S3Config{Bucket: "atelier-artifacts", Prefix: "prod"}}
	got := c.ObjectURL("acct-1/audio_tts/task-1/out.mp3")
	want := "s3://atelier-artifacts/prod/acct-1/audio_tts/task-1/out.mp3"
	if got != want {
		t.Errorf("ObjectURL = %q, want %q", got, want)
	}
}

func TestKeyFromStoredURL(t *testing.T) {
	tests := []struct {
		name      string
		prefix    string
		storedURL string
		wantKey   string
		wantOK    bool
	}{
		{
			name:      "round trips ObjectURL",
			prefix:    "prod",
			storedURL: "s3://atelier-artifacts/prod/acct-1/audio_tts/task-1/out.mp3",
			wantKey:   "acct-1/audio_tts/task-1/out.mp3",
			wantOK:    true,
		},
		{
			name:      "no prefix",
			prefix:    "",
			storedURL: "s3://atelier-artifacts/acct-1/out.mp3",
			wantKey:   "acct-1/out.mp3",
			wantOK:    true,
		},
		{
			name:      "foreign bucket rejected",
			prefix:    "",
			storedURL: "s3://other-bucket/acct-1/out.mp3",
			wantOK:    false,
		},
		{
			name:      "non-s3 url rejected",
			prefix:    "",
			storedURL: "https://cdn.example.com/out.mp3",
			wantOK:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &S3Client{config: S3Config{Bucket: "atelier-artifacts", Prefix: tt.prefix}}
			key, ok := c.KeyFromStoredURL(tt.storedURL)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && key != tt.wantKey {
				t.Errorf("key = %q, want %q", key, tt.wantKey)
			}
		})
	}
}

func TestNewS3ClientRequiresBucket(t *testing.T) {
	if _, err := NewS3Client(S3Config{}, nil); err == nil {
		t.Error("expected error for missing bucket")
	}
}
