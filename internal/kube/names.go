// Copyright 2025 RPA Global
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kube

import (
	"regexp"
	"strings"
)

// Name matching maps opaque cluster resource names back to catalog
// robots. Cluster names arrive in several shapes — controller-generated
// suffixes, manual-run timestamps, our own generateName prefixes — and
// the catalog stores names with underscores while Kubernetes forces
// hyphens, so both strip down to a normalized form before comparison.

// Ordered: longer prefixes first so rpa-cronjob- is not eaten by rpa-.
var slugPrefixes = []string{"rpa-cronjob-", "rpa-job-", "cronjob-", "job-", "rpa-"}

var (
	doubleHashSuffix = regexp.MustCompile(`-([a-z0-9]{4,10})-([a-z0-9]{4,10})$`)
	singleSuffix     = regexp.MustCompile(`-[a-z0-9]+$`)
	anyDigit         = regexp.MustCompile(`[0-9]`)
)

// SlugFromLabels recovers the robot slug from resource labels,
// preferring the explicit nome_robo label our own manifests set.
func SlugFromLabels(labels map[string]string) string {
	for _, key := range []string{"nome_robo", "nome-robo", "app"} {
		if v, ok := labels[key]; ok && v != "" {
			return v
		}
	}
	return ""
}

// SlugFromName recovers the robot slug from a resource name by
// stripping the known prefixes and the controller-appended hash
// suffixes.
func SlugFromName(name string) string {
	s := strings.ToLower(name)
	for _, p := range slugPrefixes {
		if strings.HasPrefix(s, p) {
			s = strings.TrimPrefix(s, p)
			break
		}
	}
	// A controller double-hash suffix (-7b49d9c88b-x2v9q) always has a
	// digit in its first segment; a trailing real word followed by a
	// timestamp does not, and only the timestamp may be stripped then.
	if m := doubleHashSuffix.FindStringSubmatch(s); m != nil && anyDigit.MatchString(m[1]) {
		s = strings.TrimSuffix(s, m[0])
	} else if m := singleSuffix.FindString(s); m != "" {
		s = strings.TrimSuffix(s, m)
	}
	return s
}

// Slug recovers the robot slug for a resource, labels winning over the
// name-derived form.
func Slug(name string, labels map[string]string) string {
	if s := SlugFromLabels(labels); s != "" {
		return s
	}
	return SlugFromName(name)
}

/// Normalize folds a slug to its comparison form: lowercase with the
// separator styles removed. Spaces are removed too so display names
// compare equal to their slugs.
func Normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, "_", "")
	s = strings.ReplaceAll(s, " ", "")
	return s
}

// Match reports whether two slugs refer to the same robot.
func Match(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// JobSlug converts a robot name to its Kubernetes-safe form, as used in
// generateName and image references.
func JobSlug(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "_", "-"))
}

func lowerName(s string) string { return strings.ToLower(s) }

var trailingDigits = regexp.MustCompile(`-\d+$`)

// CronJobRobotName recovers the robot name a cronjob resource refers
// to. Cronjob names carry only the marker affixes and an optional
// numeric suffix, never controller hashes.
func CronJobRobotName(name string) string {
	s := strings.TrimPrefix(name, "rpa-cronjob-")
	s = strings.TrimSuffix(s, "-cronjob")
	s = trailingDigits.ReplaceAllString(s, "")
	return s
}

// DeploymentRobotName recovers the robot name a deployment refers to.
func DeploymentRobotName(name string) string {
	s := strings.TrimPrefix(name, "deployment-")
	return strings.TrimSuffix(s, "-deployment")
}

// DisplayName renders a slug for humans: separators become spaces and
// each word is capitalized.
func DisplayName(slug string) string {
	s := strings.ReplaceAll(slug, "-", " ")
	s = strings.ReplaceAll(s, "_", " ")
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
