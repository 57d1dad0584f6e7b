// Package locale resolves the caller's language and text direction and
// translates labels and messages.
package locale

import (
	"fmt"
	"strings"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/model"
)

// Translator holds the message bundle and the supported languages.
type Translator struct {
	bundle  *i18n.Bundle
	matcher language.Matcher
	tags    []language.Tag
	rtl     map[string]bool
}

// NewTranslator loads the configured message files. The default locale is
// always supported even without a message file.
func NewTranslator(cfg config.I18nConfig) (*Translator, error) {
	def, err := language.Parse(cfg.DefaultLocale)
	if err != nil {
		return nil, fmt.Errorf("locale: default locale %q: %w", cfg.DefaultLocale, err)
	}

	bundle := i18n.NewBundle(def)
	bundle.RegisterUnmarshalFunc("yaml", yaml.Unmarshal)
	bundle.RegisterUnmarshalFunc("yml", yaml.Unmarshal)
	for _, f := range cfg.MessageFiles {
		if _, err := bundle.LoadMessageFile(f); err != nil {
			return nil, fmt.Errorf("locale: loading %s: %w", f, err)
		}
	}

	tags := bundle.LanguageTags()
	rtl := make(map[string]bool, len(cfg.RTLLocales))
	for _, l := range cfg.RTLLocales {
		rtl[strings.ToLower(l)] = true
	}
	return &Translator{
		bundle:  bundle,
		matcher: language.NewMatcher(tags),
		tags:    tags,
		rtl:     rtl,
	}, nil
}

// Match picks the best supported language for an Accept-Language header.
func (t *Translator) Match(acceptLanguage string) string {
	prefs, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(prefs) == 0 {
		return t.tags[0].String()
	}
	_, idx, _ := t.matcher.Match(prefs...)
	return t.tags[idx].String()
}

// Direction returns "rtl" for right-to-left locales and "ltr" otherwise.
func (t *Translator) Direction(locale string) string {
	tag, err := language.Parse(locale)
	if err != nil {
		return model.DirectionLTR
	}
	base, _ := tag.Base()
	if t.rtl[base.String()] {
		return model.DirectionRTL
	}
	return model.DirectionLTR
}

// Localizer translates for one caller.
type Localizer struct {
	l *i18n.Localizer
}

// For returns a Localizer for locale, falling back to the default language.
func (t *Translator) For(locale string) *Localizer {
	return &Localizer{l: i18n.NewLocalizer(t.bundle, locale)}
}

// Text translates id. Labels that are not message ids come back unchanged,
// so definitions may carry literal text.
func (l *Localizer) Text(id string, data map[string]any) string {
	if l == nil || id == "" {
		return id
	}
	msg, err := l.l.Localize(&i18n.LocalizeConfig{
		DefaultMessage: &i18n.Message{ID: id, Other: id},
		TemplateData:   data,
	})
	if err != nil && msg == "" {
		return id
	}
	return msg
}

// Fallback translates id, returning fallback when id has no translation.
func (l *Localizer) Fallback(id, fallback string) string {
	if l == nil {
		return fallback
	}
	msg, err := l.l.Localize(&i18n.LocalizeConfig{
		DefaultMessage: &i18n.Message{ID: id, Other: fallback},
	})
	if err != nil && msg == "" {
		return fallback
	}
	return msg
}
