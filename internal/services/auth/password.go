// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package auth

import (
	"bufio"
	"embed"
	"fmt"
	"strings"
	"unicode"
)

//go:embed common_passwords.txt
var commonPasswordsFS embed.FS

var commonPasswords map[string]struct{}

func init() {
	commonPasswords = make(map[string]struct{})
	file, err := commonPasswordsFS.Open("common_passwords.txt")
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		password := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if password != "" {
			commonPasswords[password] = struct{}{}
		}
	}
}

// MinPasswordLength is the shortest password accepted anywhere.
const MinPasswordLength = 8

// PasswordPolicy validates passwords chosen at registration, reset and
// provisioning.
type PasswordPolicy struct {
	MinLength            int
	CheckCommonPasswords bool
	CheckUserSimilarity  bool
}

// DefaultPasswordPolicy returns the policy used by the portal.
func DefaultPasswordPolicy() *PasswordPolicy {
	return &PasswordPolicy{
		MinLength:            MinPasswordLength,
		CheckCommonPasswords: true,
		CheckUserSimilarity:  true,
	}
}

// PasswordIssue is a single violated password rule.
type PasswordIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Check returns every rule password violates. userAttributes are values
// the password must not resemble, such as the email address.
func (p *PasswordPolicy) Check(password string, userAttributes ...string) []PasswordIssue {
	var issues []PasswordIssue

	if len([]rune(password)) < p.MinLength {
		issues = append(issues, PasswordIssue{
			Code:    "min_length",
			Message: fmt.Sprintf("Password must be at least %d characters long.", p.MinLength),
		})
	}

	if isEntirelyNumeric(password) {
		issues = append(issues, PasswordIssue{
			Code:    "entirely_numeric",
			Message: "Password cannot be entirely numeric.",
		})
	}

	if p.CheckCommonPasswords && isCommonPassword(password) {
		issues = append(issues, PasswordIssue{
			Code:    "common_password",
			Message: "This password is too common. Please choose a more secure password.",
		})
	}

	if p.CheckUserSimilarity && isSimilarToUserAttributes(password, userAttributes) {
		issues = append(issues, PasswordIssue{
			Code:    "too_similar",
			Message: "Password is too similar to your personal information.",
		})
	}

	return issues
}

// Validate returns a *PasswordValidationError when password violates a rule.
func (p *PasswordPolicy) Validate(password string, userAttributes ...string) error {
	if issues := p.Check(password, userAttributes...); len(issues) > 0 {
		return &PasswordValidationError{Issues: issues}
	}
	return nil
}

func isEntirelyNumeric(password string) bool {
	for _, r := range password {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return len(password) > 0
}

func isCommonPassword(password string) bool {
	_, exists := commonPasswords[strings.ToLower(password)]
	return exists
}

func isSimilarToUserAttributes(password string, attributes []string) bool {
	passwordLower := strings.ToLower(password)

	for _, attr := range attributes {
		attrLower := strings.ToLower(strings.TrimSpace(attr))
		if len(attrLower) < 3 {
			continue
		}

		if strings.Contains(passwordLower, attrLower) || strings.Contains(attrLower, passwordLower) {
			return true
		}

		// The local part of an address is what people tend to reuse.
		if local, _, ok := strings.Cut(attrLower, "@"); ok && len(local) >= 3 && strings.Contains(passwordLower, local) {
			return true
		}

		if similarity(passwordLower, attrLower) > 0.7 {
			return true
		}
	}

	return false
}

func similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	lcs := longestCommonSubsequence(a, b)
	maxLen := max(len(a), len(b))

	return float64(lcs) / float64(maxLen)
}

func longestCommonSubsequence(a, b string) int {
	m, n := len(a), len(b)
	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}

	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			if a[i-1] == b[j-1] {
				dp[i][j] = dp[i-1][j-1] + 1
			} else {
				dp[i][j] = max(dp[i-1][j], dp[i][j-1])
			}
		}
	}

	return dp[m][n]
}
