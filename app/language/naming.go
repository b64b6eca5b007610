package language

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
)

const (
	filePrefix     = "facebook_language_feed_"
	tempFilePrefix = "temp_"
	fileExtension  = ".csv"
	feedNameFormat = "WooCommerce Language Override Feed (%s)"
)

// regionlessCodes are languages the catalog only knows in one remote-facing
// variant, whatever the store's region.
var regionlessCodes = map[string]string{
	"es": "es_XX",
	"fr": "fr_XX",
	"pt": "pt_XX",
	"ja": "ja_XX",
	"ar": "ar_AR",
}

// NormalizeLanguageCode maps a store locale such as "pt_BR" to the code the
// catalog expects. Codes that do not parse are returned unchanged.
func NormalizeLanguageCode(code string) string {
	tag, err := language.Parse(strings.ReplaceAll(code, "_", "-"))
	if err != nil {
		return code
	}

	base, _ := tag.Base()
	if mapped, ok := regionlessCodes[base.String()]; ok {
		return mapped
	}

	region, confidence := tag.Region()
	if confidence != language.Exact {
		return base.String()
	}
	return base.String() + "_" + region.String()
}

// GenerateLanguageFeedName is the display name the remote feed is created
// with and later recognized by.
func GenerateLanguageFeedName(code string) string {
	return fmt.Sprintf(feedNameFormat, strings.ToUpper(NormalizeLanguageCode(code)))
}

// Hooks let callers override generated file names.
type Hooks struct {
	// LocalFilename receives names used on disk.
	LocalFilename func(name, code string, isTemp bool) string
	// RemoteFilename receives names reported to the catalog API.
	RemoteFilename func(name, code string) string
}

// GenerateLanguageFeedFilename is deterministic for a given input. Temp
// files carry the raw store code so that two locales normalizing to the same
// code never share a temp file; public and remote names use the normalized code.
func (m *Manager) GenerateLanguageFeedFilename(code string, forRemoteAPI, isTemp bool) string {
	var name string
	if isTemp && !forRemoteAPI {
		name = tempFilePrefix + filePrefix + code + fileExtension
	} else {
		name = filePrefix + NormalizeLanguageCode(code) + fileExtension
	}

	if forRemoteAPI {
		if m.hooks.RemoteFilename != nil {
			name = m.hooks.RemoteFilename(name, code)
		}
		return name
	}

	if m.hooks.LocalFilename != nil {
		name = m.hooks.LocalFilename(name, code, isTemp)
	}
	return name
}

// fileNaming adapts the language file names to writer.Naming.
type fileNaming struct {
	manager *Manager
	code    string
}

func (n fileNaming) FileName() string {
	return n.manager.GenerateLanguageFeedFilename(n.code, false, false)
}

func (n fileNaming) TempFileName() string {
	return n.manager.GenerateLanguageFeedFilename(n.code, false, true)
}
