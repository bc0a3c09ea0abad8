package config

import (
	"strings"
	"testing"
)

func TestParseIniBasicSection(t *testing.T) {
	var doc IniDocument
	if err := ParseIni(strings.NewReader("[one]\nfoo = bar\n"), &doc); err != nil {
		t.Fatalf("ParseIni error: %v", err)
	}
	got, err := doc.Get("one", "", "foo")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got != "bar" {
		t.Fatalf("Get = %q, want bar", got)
	}
}

func TestParseIniCommentsAndColonSeparator(t *testing.T) {
	var doc IniDocument
	input := "# Hello\n [one]\n  foo   :bar   \n"
	if err := ParseIni(strings.NewReader(input), &doc); err != nil {
		t.Fatalf("ParseIni error: %v", err)
	}
	got, err := doc.Get("one", "", "foo")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got != "bar" {
		t.Fatalf("Get = %q, want bar", got)
	}
}

func TestParseIniSectionWithKey(t *testing.T) {
	var doc IniDocument
	input := "[DEFAULT]\none = b\ntwo = r\n[one:my_key]\nfoo = {one}a{two}\n"
	if err := ParseIni(strings.NewReader(input), &doc); err != nil {
		t.Fatalf("ParseIni error: %v", err)
	}
	got, err := doc.Get("one", "my_key", "foo")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got != "bar" {
		t.Fatalf("Get = %q, want bar", got)
	}
}

func TestParseIniRejectsDuplicateOption(t *testing.T) {
	var doc IniDocument
	input := "[one]\nfoo = bar\nfoo = baz\n"
	if err := ParseIni(strings.NewReader(input), &doc); err == nil {
		t.Fatal("expected error for duplicate option")
	}
}

func TestParseIniRejectsBadSectionHeader(t *testing.T) {
	var doc IniDocument
	if err := ParseIni(strings.NewReader("[one\nfoo=bar\n"), &doc); err == nil {
		t.Fatal("expected error for malformed section header")
	}
}

func TestInterpolateSimplePlaceholder(t *testing.T) {
	var doc IniDocument
	input := "[testing]\ndatadir = --path--\noption_name = {datadir}\\foo\n"
	if err := ParseIni(strings.NewReader(input), &doc); err != nil {
		t.Fatalf("ParseIni error: %v", err)
	}
	got, err := doc.Get("testing", "", "option_name")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got != `--path--\foo` {
		t.Fatalf("Get = %q, want %q", got, `--path--\foo`)
	}
}

func TestInterpolateUndefinedLeftLiteral(t *testing.T) {
	var doc IniDocument
	input := "[testing]\noption_name = c:\\foo\\bar\\{undefined}\n"
	if err := ParseIni(strings.NewReader(input), &doc); err != nil {
		t.Fatalf("ParseIni error: %v", err)
	}
	got, err := doc.Get("testing", "", "option_name")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	want := `c:\foo\bar\{undefined}`
	if got != want {
		t.Fatalf("Get = %q, want %q", got, want)
	}
}

func TestInterpolateDoubleBraces(t *testing.T) {
	var doc IniDocument
	input := "[testing]\ndatadir = --path--\noption_name = {{datadir}}\n"
	if err := ParseIni(strings.NewReader(input), &doc); err != nil {
		t.Fatalf("ParseIni error: %v", err)
	}
	got, err := doc.Get("testing", "", "option_name")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got != "{--path--}" {
		t.Fatalf("Get = %q, want {--path--}", got)
	}
}

func TestRecursiveInterpolate(t *testing.T) {
	var doc IniDocument
	input := "[DEFAULT]\nbasedir = /root/dir\ndatadir = {basedir}/data\n[one]\nlog = {datadir}/router.log\n"
	if err := ParseIni(strings.NewReader(input), &doc); err != nil {
		t.Fatalf("ParseIni error: %v", err)
	}
	got, err := doc.Get("one", "", "log")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got != "/root/dir/data/router.log" {
		t.Fatalf("Get = %q, want /root/dir/data/router.log", got)
	}
}

func TestRecursiveInterpolateCycleIsSyntaxError(t *testing.T) {
	var doc IniDocument
	input := "[one]\nrec = {other}\nother = {rec}\n"
	if err := ParseIni(strings.NewReader(input), &doc); err != nil {
		t.Fatalf("ParseIni error: %v", err)
	}
	if _, err := doc.Get("one", "", "rec"); err == nil {
		t.Fatal("expected cyclic reference error")
	}
}
