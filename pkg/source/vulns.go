package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/hardrivetech/secdash/pkg/domain"
	"github.com/hardrivetech/secdash/pkg/fetch"
)

const (
	maxVulnsPrimary  = 50
	maxVulnsFallback = 30
)

// VulnAdapter fetches the latest published vulnerabilities. The primary
// source is the NVD recent-CVEs feed; when it is unreachable the adapter
// falls back to a CIRCL-style recent list in a different format, re-mapped
// to the same canonical records.
type VulnAdapter struct {
	resolver    *fetch.Resolver
	primaryURL  string
	fallbackURL string
}

// NewVulnAdapter creates the adapter with default upstream endpoints unless
// overridden
func NewVulnAdapter(resolver *fetch.Resolver, primaryURL, fallbackURL string) *VulnAdapter {
	if primaryURL == "" {
		primaryURL = "https://nvd.nist.gov/feeds/json/cve/1.1/nvdcve-1.1-recent.json"
	}
	if fallbackURL == "" {
		fallbackURL = "https://cve.circl.lu/api/last/" + fmt.Sprint(maxVulnsFallback)
	}
	return &VulnAdapter{resolver: resolver, primaryURL: primaryURL, fallbackURL: fallbackURL}
}

// nvdFeed is the NVD 1.1 JSON feed shape, reduced to the fields used
type nvdFeed struct {
	CVEItems []struct {
		CVE struct {
			CVEDataMeta struct {
				ID string `json:"ID"`
			} `json:"CVE_data_meta"`
			Description struct {
				DescriptionData []struct {
					Value string `json:"value"`
				} `json:"description_data"`
			} `json:"description"`
			Affects struct {
				Vendor struct {
					VendorData []struct {
						VendorName string `json:"vendor_name"`
						Product    struct {
							ProductData []struct {
								ProductName string `json:"product_name"`
							} `json:"product_data"`
						} `json:"product"`
					} `json:"vendor_data"`
				} `json:"vendor"`
			} `json:"affects"`
		} `json:"cve"`
		Impact struct {
			BaseMetricV3 struct {
				CVSSV3 struct {
					BaseScore *float64 `json:"baseScore"`
				} `json:"cvssV3"`
			} `json:"baseMetricV3"`
			BaseMetricV2 struct {
				CVSSV2 struct {
					BaseScore *float64 `json:"baseScore"`
				} `json:"cvssV2"`
			} `json:"baseMetricV2"`
		} `json:"impact"`
		PublishedDate string `json:"publishedDate"`
	} `json:"CVE_Items"`
}

// circlEntry is one record of the fallback feed
type circlEntry struct {
	ID        string   `json:"id"`
	Summary   string   `json:"summary"`
	CVSS      *float64 `json:"cvss"`
	Published string   `json:"Published"`
	Products  []string `json:"vulnerable_product"`
}

// FetchLatest returns the current vulnerability batch. Missing score,
// publish date or product data degrade to null/empty and never abort the
// batch; only both feeds failing is an error.
func (a *VulnAdapter) FetchLatest(ctx context.Context) ([]domain.Vulnerability, error) {
	vulns, err := a.fetchPrimary(ctx)
	if err == nil && len(vulns) > 0 {
		return vulns, nil
	}
	if err == nil {
		// a decoded-but-empty batch means the endpoint shape didn't match,
		// the recent-CVEs feed is never legitimately empty
		err = fmt.Errorf("primary feed decoded to zero items")
	}

	log.Printf("[WARN] primary vulnerability feed failed, using fallback: %v", err)
	vulns, ferr := a.fetchFallback(ctx)
	if ferr != nil {
		return nil, fmt.Errorf("vulnerability feeds unavailable: primary: %w, fallback: %v", err, ferr)
	}
	return vulns, nil
}

func (a *VulnAdapter) fetchPrimary(ctx context.Context) ([]domain.Vulnerability, error) {
	var feed nvdFeed
	if err := a.resolver.FetchJSON(ctx, fetch.Request{URL: a.primaryURL}, &feed); err != nil {
		return nil, err
	}

	entries := feed.CVEItems
	if len(entries) > maxVulnsPrimary {
		entries = entries[:maxVulnsPrimary]
	}

	vulns := make([]domain.Vulnerability, 0, len(entries))
	for _, it := range entries {
		id := it.CVE.CVEDataMeta.ID
		if id == "" {
			continue
		}

		summary := "No description"
		if len(it.CVE.Description.DescriptionData) > 0 && it.CVE.Description.DescriptionData[0].Value != "" {
			summary = it.CVE.Description.DescriptionData[0].Value
		}

		score := it.Impact.BaseMetricV3.CVSSV3.BaseScore
		if score == nil {
			score = it.Impact.BaseMetricV2.CVSSV2.BaseScore
		}

		var products []string
		for _, v := range it.CVE.Affects.Vendor.VendorData {
			if len(v.Product.ProductData) == 0 && v.VendorName != "" {
				products = append(products, v.VendorName)
			}
			for _, p := range v.Product.ProductData {
				switch {
				case v.VendorName != "" && p.ProductName != "":
					products = append(products, v.VendorName+":"+p.ProductName)
				case p.ProductName != "":
					products = append(products, p.ProductName)
				}
			}
		}

		vulns = append(vulns, domain.Vulnerability{
			Item: domain.Item{
				ID:         id,
				Kind:       domain.KindVulnerability,
				Title:      id,
				Published:  parseVulnTime(it.PublishedDate),
				SourceName: "nvd",
				URL:        "https://nvd.nist.gov/vuln/detail/" + id,
			},
			Summary:   summary,
			CVSSScore: score,
			Products:  dedupFold(products),
		})
	}
	return vulns, nil
}

func (a *VulnAdapter) fetchFallback(ctx context.Context) ([]domain.Vulnerability, error) {
	body, err := a.resolver.Fetch(ctx, fetch.Request{URL: a.fallbackURL})
	if err != nil {
		return nil, err
	}

	var entries []circlEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("decode fallback feed: %w", err)
	}
	if len(entries) > maxVulnsFallback {
		entries = entries[:maxVulnsFallback]
	}

	vulns := make([]domain.Vulnerability, 0, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			continue
		}
		vulns = append(vulns, domain.Vulnerability{
			Item: domain.Item{
				ID:         e.ID,
				Kind:       domain.KindVulnerability,
				Title:      e.ID,
				Published:  parseVulnTime(e.Published),
				SourceName: "circl",
				URL:        "https://nvd.nist.gov/vuln/detail/" + e.ID,
			},
			Summary:   e.Summary,
			CVSSScore: e.CVSS,
			Products:  dedupFold(e.Products),
		})
	}
	return vulns, nil
}

// vulnTimeLayouts covers NVD's minute-precision stamps and the fallback
// feed's second-precision ones
var vulnTimeLayouts = []string{
	"2006-01-02T15:04Z",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

func parseVulnTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range vulnTimeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return &ts
		}
	}
	return nil
}

// dedupFold removes case-insensitive duplicates preserving first occurrence
func dedupFold(list []string) []string {
	if len(list) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, s := range list {
		key := strings.ToLower(s)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}
