package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"optinbot/internal/account"
)

// loadAccounts reads an accounts file (CSV with a header row, or JSON).
// CSV columns: account, username, password, totp_secret, proxy_url,
// user_agent, locale, timezone. Only the first three are required.
func loadAccounts(path string) ([]account.Account, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return loadAccountsJSON(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open accounts file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("%s has no account rows", path)
	}

	col := headerIndex(rows[0])
	var accounts []account.Account
	for i, row := range rows[1:] {
		a := account.Account{
			Alias:      field(row, col, "account"),
			Username:   field(row, col, "username"),
			Password:   field(row, col, "password"),
			TOTPSecret: field(row, col, "totp_secret"),
			ProxyURL:   field(row, col, "proxy_url"),
			UserAgent:  field(row, col, "user_agent"),
			Locale:     field(row, col, "locale"),
			Timezone:   field(row, col, "timezone"),
		}
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i+2, err)
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

func loadAccountsJSON(path string) ([]account.Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	var wrapper struct {
		Accounts []accountRow `json:"accounts"`
	}
	var rows []accountRow
	if err := json.Unmarshal(data, &rows); err != nil {
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		rows = wrapper.Accounts
	}
	var accounts []account.Account
	for i, row := range rows {
		a := account.Account{
			Alias:      strings.TrimSpace(row.Account),
			Username:   strings.TrimSpace(row.Username),
			Password:   strings.TrimSpace(row.Password),
			TOTPSecret: strings.TrimSpace(row.TOTPSecret),
			ProxyURL:   strings.TrimSpace(row.ProxyURL),
			UserAgent:  strings.TrimSpace(row.UserAgent),
			Locale:     strings.TrimSpace(row.Locale),
			Timezone:   strings.TrimSpace(row.Timezone),
		}
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("%s entry %d: %w", path, i, err)
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

type accountRow struct {
	Account    string `json:"account"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	TOTPSecret string `json:"totp_secret"`
	ProxyURL   string `json:"proxy_url"`
	UserAgent  string `json:"user_agent"`
	Locale     string `json:"locale"`
	Timezone   string `json:"timezone"`
}

// recipient is one batch-send row: which account sends what to whom.
type recipient struct {
	Account string
	To      string
	Text    string
}

// loadRecipients reads a CSV with header columns account, to_username
// (or to), and an optional text override per row.
func loadRecipients(path, defaultText string) ([]recipient, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recipients file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("%s has no recipient rows", path)
	}

	col := headerIndex(rows[0])
	var out []recipient
	for i, row := range rows[1:] {
		rec := recipient{
			Account: field(row, col, "account"),
			To:      field(row, col, "to_username"),
			Text:    field(row, col, "text"),
		}
		if rec.To == "" {
			rec.To = field(row, col, "to")
		}
		if rec.Text == "" {
			rec.Text = defaultText
		}
		if rec.Account == "" || rec.To == "" {
			return nil, fmt.Errorf("%s row %d: account and to_username are required", path, i+2)
		}
		if rec.Text == "" {
			return nil, fmt.Errorf("%s row %d: no text and no -text default", path, i+2)
		}
		out = append(out, rec)
	}
	return out, nil
}

func headerIndex(header []string) map[string]int {
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	return col
}

func field(row []string, col map[string]int, name string) string {
	i, ok := col[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
