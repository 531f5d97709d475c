package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadAccountsCSV(t *testing.T) {
	path := writeFile(t, "accounts.csv",
		"account,username,password,totp_secret,proxy_url\n"+
			"alpha,alpha_user,pw1,JBSWY3DP,http://127.0.0.1:8080\n"+
			"beta,beta_user,pw2,,\n")

	accounts, err := loadAccounts(path)
	if err != nil {
		t.Fatalf("loadAccounts: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("len = %d, want 2", len(accounts))
	}
	if accounts[0].Alias != "alpha" || accounts[0].TOTPSecret != "JBSWY3DP" {
		t.Fatalf("first account parsed wrong: %+v", accounts[0])
	}
	if accounts[1].ProxyURL != "" {
		t.Fatalf("empty proxy column should stay empty, got %q", accounts[1].ProxyURL)
	}
}

func TestLoadAccountsCSVRejectsIncompleteRow(t *testing.T) {
	path := writeFile(t, "accounts.csv",
		"account,username,password\nalpha,,pw\n")
	if _, err := loadAccounts(path); err == nil {
		t.Fatal("row without username accepted")
	}
}

func TestLoadAccountsJSON(t *testing.T) {
	path := writeFile(t, "accounts.json",
		`{"accounts":[{"account":"alpha","username":"u","password":"p","locale":"es-MX"}]}`)
	accounts, err := loadAccounts(path)
	if err != nil {
		t.Fatalf("loadAccounts: %v", err)
	}
	if len(accounts) != 1 || accounts[0].Locale != "es-MX" {
		t.Fatalf("parsed %+v", accounts)
	}
}

func TestLoadRecipients(t *testing.T) {
	path := writeFile(t, "recipients.csv",
		"account,to_username,text\n"+
			"alpha,friend_one,custom hello\n"+
			"alpha,friend_two,\n")

	recs, err := loadRecipients(path, "default hello")
	if err != nil {
		t.Fatalf("loadRecipients: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("len = %d, want 2", len(recs))
	}
	if recs[0].Text != "custom hello" {
		t.Fatalf("row text override lost: %q", recs[0].Text)
	}
	if recs[1].Text != "default hello" {
		t.Fatalf("default text not applied: %q", recs[1].Text)
	}
}

func TestLoadRecipientsRequiresText(t *testing.T) {
	path := writeFile(t, "recipients.csv",
		"account,to\nalpha,friend\n")
	if _, err := loadRecipients(path, ""); err == nil {
		t.Fatal("row without any text accepted")
	}
}
