// Package fingerprint derives similarity keys from listing observations.
// Fingerprints are deterministic digests over normalized fields; they never
// fail, they just degrade to fewer kinds when optional fields are missing.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"

	"skitracker/internal/storage"
)

// Kind names one fingerprinting strategy.
type Kind string

const (
	// KindExact matches only byte-identical re-observations.
	KindExact Kind = "exact"
	// KindContent ignores price, so a pure price change still matches.
	KindContent Kind = "content"
	// KindItem matches on coarse make/model/year identity across sellers.
	KindItem Kind = "item"
	// KindImages matches on the order-independent image URL set.
	KindImages Kind = "images"
	// KindSellerItem recognises the same seller relisting the same model.
	KindSellerItem Kind = "seller_item"
)

// Kinds lists every fingerprint kind, from most to least specific.
var Kinds = []Kind{KindExact, KindContent, KindSellerItem, KindImages, KindItem}

// Set maps fingerprint kind to its digest. A kind is absent when its
// required inputs are absent.
type Set map[Kind]string

// Strings converts the set to plain string keys for persistence.
func (s Set) Strings() map[string]string {
	out := make(map[string]string, len(s))
	for kind, digest := range s {
		out[string(kind)] = digest
	}
	return out
}

var (
	boilerplatePrefixRe = regexp.MustCompile(`\(\d+\)\s*Marketplace\s*-\s*`)
	boilerplateSuffixRe = regexp.MustCompile(`\|\s*Facebook\s*$`)
	yearRe              = regexp.MustCompile(`\b(19|20)\d{2}\b`)

	// Fixed vocabulary of known personal-watercraft makes and model tokens.
	// Word boundaries keep short tokens like "gp" from matching inside words.
	makeRe  = regexp.MustCompile(`\b(yamaha|sea-doo|seadoo|kawasaki|honda|polaris)\b`)
	modelRe = regexp.MustCompile(`\b(vx|fx|gp|gtr|gtx|gti|rxt|svho|cruiser|deluxe|wake|pro|superjet|waverunner|jetski)\b`)
)

// unknownToken stands in for any identity component not found in the title,
// so two listings both missing a year still hash identically on that axis.
const unknownToken = "unknown"

// Compute derives the full fingerprint set for an observation.
func Compute(obs storage.Observation) Set {
	title := Normalize(obs.Title)
	description := Normalize(obs.Description)
	location := Normalize(obs.Location)

	price := ""
	if obs.Price != nil {
		price = obs.Price.String()
	}

	set := Set{
		KindExact:   digest(title, description, price, location),
		KindContent: digest(title, description, location),
		KindItem:    itemDigest(title),
	}

	if img := imageDigest(obs.Images); img != "" {
		set[KindImages] = img
	}

	seller := Normalize(obs.Seller)
	if seller == "" {
		seller = unknownToken
	}
	set[KindSellerItem] = digest(seller, set[KindItem], location)

	return set
}

// Normalize lower-cases, collapses whitespace, and strips marketplace
// boilerplate from scraped text.
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	text = boilerplatePrefixRe.ReplaceAllString(text, "")
	text = boilerplateSuffixRe.ReplaceAllString(text, "")
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// ItemIdentity is the coarse (make, model, year) triple extracted from a
// normalized title. Missing components are the "unknown" sentinel.
type ItemIdentity struct {
	Make  string
	Model string
	Year  string
}

// ExtractItemIdentity pulls make, model keyword, and 4-digit year out of a
// title via the fixed vocabulary.
func ExtractItemIdentity(title string) ItemIdentity {
	normalized := Normalize(title)

	identity := ItemIdentity{Make: unknownToken, Model: unknownToken, Year: unknownToken}

	if m := makeRe.FindString(normalized); m != "" {
		identity.Make = m
	}
	if m := modelRe.FindString(normalized); m != "" {
		identity.Model = m
	}
	if year := yearRe.FindString(normalized); year != "" {
		identity.Year = year
	}

	return identity
}

func itemDigest(normalizedTitle string) string {
	identity := ExtractItemIdentity(normalizedTitle)
	return digest(identity.Make, identity.Model, identity.Year)
}

func imageDigest(images []string) string {
	urls := make([]string, 0, len(images))
	seen := make(map[string]bool, len(images))
	for _, url := range images {
		if url == "" || seen[url] {
			continue
		}
		seen[url] = true
		urls = append(urls, url)
	}
	if len(urls) == 0 {
		return ""
	}
	sort.Strings(urls)
	return digest(urls...)
}

// digest hashes the joined parts and truncates to 16 hex characters.
// Collision risk is accepted for a personal-scale dataset.
func digest(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(h[:])[:16]
}
