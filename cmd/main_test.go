package main

import (
	"os"
	"reflect"
	"testing"

	"leapkvm/internal/app"
	"leapkvm/internal/network"
)

func TestWithoutFlag(t *testing.T) {
	tests := []struct {
		args []string
		want []string
	}{
		{[]string{"--client", "--autostart", "enable", "desk"}, []string{"--client", "desk"}},
		{[]string{"--autostart=enable", "--server"}, []string{"--server"}},
		{[]string{"--server"}, []string{"--server"}},
	}
	for _, tt := range tests {
		if got := withoutFlag(tt.args, "autostart"); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("withoutFlag(%q) = %q, want %q", tt.args, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	o := options{server: true}
	if err := o.validate(0); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if o.address != ":24800" {
		t.Errorf("got address %q, want :24800", o.address)
	}

	o = options{client: true, address: "desk"}
	if err := o.validate(0); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if o.address != "desk:24800" {
		t.Errorf("got address %q, want desk:24800", o.address)
	}

	o = options{client: true, address: "ws://desk:8080/leap"}
	if err := o.validate(0); err != nil || o.address != "ws://desk:8080/leap" {
		t.Errorf("got %q, %v; want the ws address unchanged", o.address, err)
	}

	bad := []options{
		{},
		{server: true, client: true},
		{client: true},
		{server: true, tlsCert: "cert.pem"},
	}
	for _, o := range bad {
		if err := o.validate(0); err == nil {
			t.Errorf("Expected %+v to be rejected", o)
		}
	}
}

func TestSecurity(t *testing.T) {
	o := options{client: true, address: "desk:24800"}
	sec, err := o.security()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := sec.(network.Plaintext); !ok {
		t.Errorf("got %T, want network.Plaintext", sec)
	}

	o.useTLS = true
	sec, err = o.security()
	if err != nil {
		t.Fatal(err)
	}
	tlsSec, ok := sec.(network.TLS)
	if !ok || tlsSec.ClientConfig == nil {
		t.Fatalf("got %#v, want client TLS", sec)
	}
	if tlsSec.ClientConfig.ServerName != "desk" {
		t.Errorf("got server name %q, want desk", tlsSec.ClientConfig.ServerName)
	}

	o = options{server: true, tlsCert: "missing.pem", tlsKey: "missing.key"}
	if _, err := o.security(); err == nil {
		t.Error("Expected missing certificate to fail")
	}
}

func TestRunBadArgs(t *testing.T) {
	tests := [][]string{
		{"--bogus"},
		{"--server", "--client"},
		{"--server", "--log-level", "loud"},
		{"--server", "--log-format", "xml"},
		{"--autostart", "maybe"},
	}
	for _, args := range tests {
		if got := run(args); got != app.ExitArgs {
			t.Errorf("run(%q) = %d, want %d", args, got, app.ExitArgs)
		}
	}
	if got := run([]string{"--version"}); got != app.ExitSuccess {
		t.Errorf("run(--version) = %d, want %d", got, app.ExitSuccess)
	}
}

func TestRunBadLayout(t *testing.T) {
	path := t.TempDir() + "/layout.yaml"
	if err := os.WriteFile(path, []byte("screens: [\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if got := run([]string{"--server", "-n", "desk", "-c", path, "--log-level", "crit"}); got != app.ExitConfig {
		t.Errorf("got %d, want %d", got, app.ExitConfig)
	}
}
