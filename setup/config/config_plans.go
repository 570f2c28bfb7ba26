// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import "fmt"

// Plans maps plan names to their entitlements. Users without a stored plan
// fall back to DefaultPlan.
type Plans struct {
	DefaultPlan string          `yaml:"default_plan"`
	Definitions map[string]Plan `yaml:"definitions"`
}

// Plan describes what a subscription tier is entitled to.
type Plan struct {
	// Removal requests the engine may create per user per calendar month.
	// Zero means unlimited.
	MonthlyRemovalLimit int `yaml:"monthly_removal_limit"`
}

// Unlimited reports whether the plan has no monthly removal cap.
func (p Plan) Unlimited() bool {
	return p.MonthlyRemovalLimit == 0
}

// Lookup returns the plan definition for the given name, falling back to the
// default plan for unknown names.
func (c *Plans) Lookup(name string) Plan {
	if plan, ok := c.Definitions[name]; ok {
		return plan
	}
	return c.Definitions[c.DefaultPlan]
}

func (c *Plans) Defaults(opts DefaultOpts) {
	c.DefaultPlan = "FREE"
	c.Definitions = map[string]Plan{
		"FREE": {MonthlyRemovalLimit: 10},
		"PRO":  {MonthlyRemovalLimit: 0},
	}
}

func (c *Plans) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "plans.default_plan", c.DefaultPlan)
	if _, ok := c.Definitions[c.DefaultPlan]; !ok {
		configErrs.Add(fmt.Sprintf("config key \"plans.default_plan\" names an undefined plan %q", c.DefaultPlan))
	}
	for name, plan := range c.Definitions {
		checkPositive(configErrs, fmt.Sprintf("plans.definitions.%s.monthly_removal_limit", name), int64(plan.MonthlyRemovalLimit))
	}
}
