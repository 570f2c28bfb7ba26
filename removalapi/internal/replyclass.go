// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"regexp"
)

// ReplyCategory is the outcome read from a broker's reply email.
type ReplyCategory string

const (
	ReplyConfirmedRemoval     ReplyCategory = "CONFIRMED_REMOVAL"
	ReplyNoRecord             ReplyCategory = "NO_RECORD"
	ReplyRequiresVerification ReplyCategory = "REQUIRES_VERIFICATION"
	ReplyRequiresManual       ReplyCategory = "REQUIRES_MANUAL"
	ReplyUnknown              ReplyCategory = "UNKNOWN"
)

type replyRule struct {
	pattern  *regexp.Regexp
	category ReplyCategory
}

// Ordered: the first matching rule wins, so the specific rules sit above the
// generic ones. New categories slot in without touching call sites.
var replyRules = []replyRule{
	{regexp.MustCompile(`(?i)(has|have) been (removed|deleted|suppressed)`), ReplyConfirmedRemoval},
	{regexp.MustCompile(`(?i)(removal|deletion|opt.?out) (request )?(is |has been |was )?(complete|completed|processed|successful)`), ReplyConfirmedRemoval},
	{regexp.MustCompile(`(?i)successfully (removed|deleted|opted out)`), ReplyConfirmedRemoval},
	{regexp.MustCompile(`(?i)no longer (appears?|available|displayed|listed)`), ReplyConfirmedRemoval},

	{regexp.MustCompile(`(?i)(no|couldn't|could not|unable to) (find|locate|match) (any |a |the )?(record|profile|listing|information)`), ReplyNoRecord},
	{regexp.MustCompile(`(?i)no (record|profile|listing|matching information) (was )?found`), ReplyNoRecord},
	{regexp.MustCompile(`(?i)not (in|present in) our (database|records|system)`), ReplyNoRecord},

	{regexp.MustCompile(`(?i)(verify|confirm) your (identity|email|request)`), ReplyRequiresVerification},
	{regexp.MustCompile(`(?i)(click|follow) (the|this) (link|button) (below |above )?to (verify|confirm|complete)`), ReplyRequiresVerification},
	{regexp.MustCompile(`(?i)(proof|copy) of (id|identity|identification|residence)`), ReplyRequiresVerification},
	{regexp.MustCompile(`(?i)additional (information|documentation) (is )?(required|needed)`), ReplyRequiresVerification},

	{regexp.MustCompile(`(?i)(call|phone|contact) (us|our (support|privacy) team)`), ReplyRequiresManual},
	{regexp.MustCompile(`(?i)(submit|fill out|complete) (a|the|our) (form|request) (at|on|via)`), ReplyRequiresManual},
	{regexp.MustCompile(`(?i)(cannot|can't|unable to) process (this|your) request`), ReplyRequiresManual},
	{regexp.MustCompile(`(?i)(mail|post|fax) (us|your request)`), ReplyRequiresManual},
}

// ClassifyReply maps raw broker reply text to an outcome category. The first
// matching rule wins; text matching nothing is UNKNOWN and left for a human.
func ClassifyReply(body string) ReplyCategory {
	for _, rule := range replyRules {
		if rule.pattern.MatchString(body) {
			return rule.category
		}
	}
	return ReplyUnknown
}
