package processor

import (
	"fmt"
	"path"
	"strings"
	"unicode"
)

const (
	maxStemLength = 20
	hashLength    = 12
	defaultStem   = "image"
)

// fileStem reduces a keyword to at most 20 ASCII letters and digits.
func fileStem(keyword string) string {
	var b strings.Builder
	for _, r := range keyword {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r)) {
			continue
		}
		b.WriteRune(r)
		if b.Len() == maxStemLength {
			break
		}
	}
	if b.Len() == 0 {
		return defaultStem
	}
	return b.String()
}

// FileName returns the stable WebP file name for a source URL. The same URL
// always maps to the same name so re-serving overwrites rather than piling up.
func (p *Processor) FileName(keyword, sourceURL string) (string, error) {
	digest, err := p.hasher.Hash([]byte(sourceURL))
	if err != nil {
		return "", fmt.Errorf("hash source url: %w", err)
	}
	if len(digest) > hashLength {
		digest = digest[:hashLength]
	}
	return fileStem(keyword) + "-" + digest + ".webp", nil
}

func (p *Processor) objectPath(profile, file string) string {
	return path.Join(strings.ReplaceAll(p.cfg.SaveDir, "{profile}", profile), file)
}

func (p *Processor) publicURL(profile, file string) string {
	return strings.NewReplacer("{profile}", profile, "{file}", file).Replace(p.cfg.PublicURL)
}
