// Package media looks up title metadata and cover art on the PS Store.
package media

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/psremote/psremote/internal/app"
)

var (
	ErrRegion     = errors.New("media: unknown region")
	ErrNotFound   = errors.New("media: title not found")
	ErrIncomplete = errors.New("media: title data incomplete")
)

// Title is the store listing for one title id.
type Title struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	CoverArt string `json:"cover_art,omitempty"`
}

// regions maps a human region name to the store's lang/country locale.
// Stores Sony closed (China) or never opened are not listed.
var regions = map[string]string{
	"Argentina":      "en/ar",
	"Australia":      "en/au",
	"Austria":        "de/at",
	"Belgium":        "fr/be",
	"Brazil":         "en/br",
	"Canada":         "en/ca",
	"Denmark":        "en/dk",
	"Finland":        "en/fi",
	"France":         "fr/fr",
	"Germany":        "de/de",
	"Hong Kong":      "en/hk",
	"India":          "en/in",
	"Ireland":        "en/ie",
	"Italy":          "it/it",
	"Japan":          "ja/jp",
	"Korea":          "ko/kr",
	"Mexico":         "en/mx",
	"Nederland":      "nl/nl",
	"New Zealand":    "en/nz",
	"Norway":         "en/no",
	"Poland":         "en/pl",
	"Portugal":       "pt/pt",
	"Russia":         "ru/ru",
	"Singapore":      "en/sg",
	"Spain":          "es/es",
	"Sweden":         "en/se",
	"Switzerland":    "de/ch",
	"Taiwan":         "en/tw",
	"United States":  "en/us",
	"United Kingdom": "en/gb",
}

// deprecated pre-2019 region codes still found in old configs.
var deprecated = map[string]string{
	"R1": "en/us",
	"R2": "en/gb",
	"R3": "en/hk",
	"R4": "en/au",
	"R5": "en/in",
}

// Locale resolves a region name or legacy code to lang/country.
func Locale(region string) (lang, country string, err error) {
	locale, ok := regions[region]
	if !ok {
		if locale, ok = deprecated[region]; !ok {
			return "", "", fmt.Errorf("%w: %q", ErrRegion, region)
		}
	}
	lang, country, _ = strings.Cut(locale, "/")
	return
}

const storeURL = "https://store.playstation.com/store/api/chihiro/00_09_000"

// Client queries the store API. The zero value is not usable, use New.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New() *Client {
	return &Client{
		BaseURL: storeURL,
		HTTP:    &http.Client{Timeout: 3 * time.Second},
	}
}

// Lookup fetches the listing for titleID as the given region sees it.
func (c *Client) Lookup(titleID, region string) (*Title, error) {
	lang, country, err := Locale(region)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/titlecontainer/%s/%s/999/%s_00", c.BaseURL, country, lang, titleID)

	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", app.UserAgent)

	res, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s (%s)", ErrNotFound, titleID, res.Status)
	}

	var raw struct {
		Name  string `json:"title_name"`
		Types []struct {
			Key string `json:"key"`
		} `json:"gameContentTypesList"`
	}
	if err = json.NewDecoder(res.Body).Decode(&raw); err != nil {
		return nil, err
	}

	if raw.Name == "" || raw.Types == nil {
		return nil, fmt.Errorf("%w: %s", ErrIncomplete, titleID)
	}

	title := &Title{
		ID:       titleID,
		Name:     raw.Name,
		CoverArt: url + "/image",
	}
	if len(raw.Types) > 0 {
		title.Type = raw.Types[0].Key
	}
	return title, nil
}
