package media

import (
	"testing"
	"time"

	"github.com/ilyasni/postpipe/pkg/config"
)

func testMediaCfg() config.Media {
	return config.Media{
		MaxBytesPhoto:        20 << 20,
		MaxBytesDoc:          50 << 20,
		DownloadTimeoutPhoto: 10 * time.Second,
		DownloadTimeoutDoc:   30 * time.Second,
	}
}

func TestIsVisionEligible(t *testing.T) {
	cases := []struct {
		mime string
		want bool
	}{
		{"image/jpeg", true},
		{"application/pdf", true},
		{"text/plain", true},
		{"video/mp4", false},
		{"application/zip", false},
		{"", false},
	}
	for _, c := range cases {
		if got := IsVisionEligible(c.mime); got != c.want {
			t.Errorf("IsVisionEligible(%q) = %v, want %v", c.mime, got, c.want)
		}
	}
}

func TestExtensionFor(t *testing.T) {
	cases := map[string]string{
		"image/jpeg":      "jpg",
		"image/png":       "png",
		"application/pdf": "pdf",
		"video/mp4":       "mp4",
		"application/zip": "bin",
	}
	for mime, want := range cases {
		if got := extensionFor(mime); got != want {
			t.Errorf("extensionFor(%q) = %q, want %q", mime, got, want)
		}
	}
}

func TestLimitsForPicksPhotoVsDocLimits(t *testing.T) {
	p := &Processor{media: testMediaCfg()}

	photoMax, _ := p.limitsFor("photo")
	docMax, _ := p.limitsFor("document")

	if photoMax != p.media.MaxBytesPhoto {
		t.Fatalf("photo limit = %d, want %d", photoMax, p.media.MaxBytesPhoto)
	}
	if docMax != p.media.MaxBytesDoc {
		t.Fatalf("doc limit = %d, want %d", docMax, p.media.MaxBytesDoc)
	}
}
