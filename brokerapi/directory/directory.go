// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package directory holds the static broker catalog: opt-out URLs, source
// groupings, known URL corrections and the excluded-sources list. The catalog
// is compiled in; jobs never mutate it. The link monitor proposes corrections
// to operators, who promote them here by hand.
package directory

import (
	"strings"
	"sync"

	"github.com/unlistd/unlistd/brokerapi/api"
	removalapi "github.com/unlistd/unlistd/removalapi/api"
)

// brokers is the shipped catalog. Kept alphabetical by source.
var brokers = []api.Broker{
	{Source: "ACME_PEOPLE_SEARCH", Name: "Acme People Search", OptOutURL: "https://acmepeoplesearch.com/optout", DefaultMethod: removalapi.MethodAutoForm, GroupID: "ACME", GroupParent: true},
	{Source: "ACME_PHONE_LOOKUP", Name: "Acme Phone Lookup", OptOutURL: "https://acmephonelookup.com/opt-out", DefaultMethod: removalapi.MethodAutoForm, GroupID: "ACME"},
	{Source: "ACME_PUBLIC_RECORDS", Name: "Acme Public Records", OptOutURL: "https://acmepublicrecords.com/privacy/opt-out", DefaultMethod: removalapi.MethodAutoForm, GroupID: "ACME"},
	{Source: "BEENVERIFIED", Name: "BeenVerified", OptOutURL: "https://www.beenverified.com/app/optout/search", DefaultMethod: removalapi.MethodAutoForm},
	{Source: "CLARITY_DATA_WORKS", Name: "Clarity DataWorks", OptOutURL: "https://claritydataworks.com/do-not-sell", OptOutEmail: "privacy@claritydataworks.com", DefaultMethod: removalapi.MethodAutoEmail},
	{Source: "EXAMPLE_BROKER", Name: "Example Broker", OptOutURL: "https://examplebroker.com/optout", DefaultMethod: removalapi.MethodAutoForm},
	{Source: "HAVENMETRICS", Name: "Haven Metrics", OptOutURL: "https://havenmetrics.io/privacy-request", DefaultMethod: removalapi.MethodAPI},
	{Source: "INTELIUS", Name: "Intelius", OptOutURL: "https://www.intelius.com/opt-out", DefaultMethod: removalapi.MethodAutoForm, GroupID: "PEOPLECONNECT", GroupParent: true},
	{Source: "LEAKWATCH_BREACHES", Name: "LeakWatch Breach Index", OptOutURL: "https://leakwatch.example/breaches", DefaultMethod: removalapi.MethodManualGuide},
	{Source: "NORTHSTAR_ANALYTICS", Name: "Northstar Analytics", OptOutURL: "https://northstaranalytics.com/privacy", OptOutEmail: "privacy@northstaranalytics.com", DefaultMethod: removalapi.MethodAutoEmail, Excluded: true},
	{Source: "PEOPLEFINDERS", Name: "PeopleFinders", OptOutURL: "https://www.peoplefinders.com/opt-out", DefaultMethod: removalapi.MethodAutoForm},
	{Source: "SPOKEO", Name: "Spokeo", OptOutURL: "https://www.spokeo.com/optout", DefaultMethod: removalapi.MethodAutoForm},
	{Source: "TRUTHFINDER", Name: "TruthFinder", OptOutURL: "https://www.truthfinder.com/opt-out", DefaultMethod: removalapi.MethodAutoForm, GroupID: "PEOPLECONNECT"},
	{Source: "VERIDATA_PROCESSORS", Name: "VeriData Processing", OptOutURL: "https://veridata.example/privacy", OptOutEmail: "dpo@veridata.example", DefaultMethod: removalapi.MethodAutoEmail, Excluded: true},
	{Source: "WHITEPAGES", Name: "Whitepages", OptOutURL: "https://www.whitepages.com/suppression-requests", DefaultMethod: removalapi.MethodAutoForm},
}

// knownCorrections maps broken published opt-out URLs to their confirmed
// replacements. Entries are added manually after the link monitor has
// verified the replacement resolves.
var knownCorrections = map[string]string{
	"https://acmephonelookup.com/opt-out":      "https://acmephonelookup.com/privacy/opt-out",
	"https://claritydataworks.com/do-not-sell": "https://claritydataworks.com/privacy/do-not-sell",
	"https://www.peoplefinders.com/opt-out":    "https://www.peoplefinders.com/centralized-opt-out",
}

// PathVariations are the common opt-out path spellings tried against a
// broker's hostname when its published URL is broken and no known correction
// exists. Order matters: the first one that resolves wins.
var PathVariations = []string{
	"/optout",
	"/opt-out",
	"/privacy/opt-out",
	"/do-not-sell",
	"/privacy-request",
	"/remove",
}

var (
	bySource  map[string]*api.Broker
	byGroup   map[string][]*api.Broker
	indexOnce sync.Once
)

func buildIndex() {
	bySource = make(map[string]*api.Broker, len(brokers))
	byGroup = make(map[string][]*api.Broker)
	for i := range brokers {
		b := &brokers[i]
		bySource[b.Source] = b
		if b.GroupID != "" {
			byGroup[b.GroupID] = append(byGroup[b.GroupID], b)
		}
	}
}

// Lookup returns the directory entry for the given source, or nil if the
// source is unknown to the catalog.
func Lookup(source string) *api.Broker {
	indexOnce.Do(buildIndex)
	return bySource[NormalizeSource(source)]
}

// All returns every broker in the catalog.
func All() []api.Broker {
	indexOnce.Do(buildIndex)
	return brokers
}

// IsExcluded reports whether the source may not legally receive deletion
// requests. Unknown sources are not excluded: the scan pipeline discovers
// brokers faster than the catalog is curated, and automation against an
// unknown broker is gated elsewhere by requiresManualAction.
func IsExcluded(source string) bool {
	if b := Lookup(source); b != nil {
		return b.Excluded
	}
	return false
}

// ExcludedSources returns the sources barred from receiving deletion requests.
func ExcludedSources() []string {
	indexOnce.Do(buildIndex)
	var out []string
	for _, b := range brokers {
		if b.Excluded {
			out = append(out, b.Source)
		}
	}
	return out
}

// Group returns the sibling sources that share a data pipeline with the given
// source, excluding the source itself. Returns nil for ungrouped sources.
func Group(source string) []string {
	indexOnce.Do(buildIndex)
	b := bySource[NormalizeSource(source)]
	if b == nil || b.GroupID == "" {
		return nil
	}
	var siblings []string
	for _, member := range byGroup[b.GroupID] {
		if member.Source != b.Source {
			siblings = append(siblings, member.Source)
		}
	}
	return siblings
}

// GroupParent returns the source whose removal covers the given source's
// whole group, or empty if the source is ungrouped.
func GroupParent(source string) string {
	indexOnce.Do(buildIndex)
	b := bySource[NormalizeSource(source)]
	if b == nil || b.GroupID == "" {
		return ""
	}
	for _, member := range byGroup[b.GroupID] {
		if member.GroupParent {
			return member.Source
		}
	}
	return ""
}

// KnownCorrection returns the confirmed replacement for a broken opt-out URL,
// if one has been promoted into the catalog.
func KnownCorrection(url string) (string, bool) {
	corrected, ok := knownCorrections[url]
	return corrected, ok
}

// DefaultMethod returns the preferred removal method for a source. Unknown
// sources fall back to the manual guide, the only method that is always safe.
func DefaultMethod(source string) removalapi.RemovalMethod {
	if b := Lookup(source); b != nil {
		return b.DefaultMethod
	}
	return removalapi.MethodManualGuide
}

// NormalizeSource canonicalises a source identifier for lookups.
func NormalizeSource(source string) string {
	return strings.ToUpper(strings.TrimSpace(source))
}
