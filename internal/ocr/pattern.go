package ocr

import (
	"context"
	"os"
	"regexp"

	"github.com/rotisserie/eris"
)

// carrierPattern ties a tracking number format to its carrier.
type carrierPattern struct {
	carrier    string
	re         *regexp.Regexp
	confidence float64
}

// Carrier formats seen on supplier labels. Order matters: the first match
// wins, so the specific formats come before the generic digit run.
var carrierPatterns = []carrierPattern{
	{"SF Express", regexp.MustCompile(`\bSF\d{12,13}\b`), 0.95},
	{"JD Logistics", regexp.MustCompile(`\bJD[A-Z0-9]{13}\b`), 0.95},
	{"YTO Express", regexp.MustCompile(`\bYT\d{13}\b`), 0.9},
	{"ZTO Express", regexp.MustCompile(`\b7[0-9]{11,13}\b`), 0.7},
	{"", regexp.MustCompile(`\b\d{10,15}\b`), 0.4},
}

// Pattern scans label text for known tracking number formats. It is the
// default provider: no network, no credentials, good enough for the
// carriers suppliers actually use.
type Pattern struct{}

func NewPattern() *Pattern {
	return &Pattern{}
}

func (p *Pattern) Extract(_ context.Context, labelPath string) (Guess, error) {
	data, err := os.ReadFile(labelPath)
	if err != nil {
		return Guess{}, eris.Wrapf(err, "ocr: read label %s", labelPath)
	}
	return ScanText(string(data)), nil
}

// ScanText matches the known formats against already-extracted text. A
// miss returns a zero Guess, not an error: an unreadable label just means
// manual entry.
func ScanText(text string) Guess {
	for _, cp := range carrierPatterns {
		if m := cp.re.FindString(text); m != "" {
			method := "pattern"
			if cp.carrier == "" {
				method = "generic"
			}
			return Guess{
				TrackingNumber: m,
				Carrier:        cp.carrier,
				Confidence:     cp.confidence,
				Method:         method,
			}
		}
	}
	return Guess{}
}
