package yuri

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestEnsureAuthority_CreatesFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")

	a, err := EnsureAuthority(dir)
	if err != nil {
		t.Fatalf("EnsureAuthority: %v", err)
	}

	for _, name := range []string{AuthorityCertFile, AuthorityKeyFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s not written: %v", name, err)
		}
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(a.KeyPath)
		if err != nil {
			t.Fatal(err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Errorf("key permissions = %o, want 600", perm)
		}
	}

	cert, _, err := a.Certificate()
	if err != nil {
		t.Fatalf("Certificate: %v", err)
	}
	if !cert.IsCA {
		t.Error("certificate is not marked as CA")
	}
	if cert.MaxPathLen != 0 || !cert.MaxPathLenZero {
		t.Errorf("path length = %d (zero=%v), want constrained to 0", cert.MaxPathLen, cert.MaxPathLenZero)
	}
	if cert.Subject.CommonName != AuthorityCommonName {
		t.Errorf("CN = %q, want %q", cert.Subject.CommonName, AuthorityCommonName)
	}
	if len(cert.Subject.Organization) != 1 || cert.Subject.Organization[0] != AuthorityOrganization {
		t.Errorf("O = %v, want %q", cert.Subject.Organization, AuthorityOrganization)
	}
}

func TestEnsureAuthority_Idempotent(t *testing.T) {
	dir := t.TempDir()

	first, err := EnsureAuthority(dir)
	if err != nil {
		t.Fatalf("first EnsureAuthority: %v", err)
	}
	keyBefore, err := os.ReadFile(first.KeyPath)
	if err != nil {
		t.Fatal(err)
	}

	second, err := EnsureAuthority(dir)
	if err != nil {
		t.Fatalf("second EnsureAuthority: %v", err)
	}

	if first.ExportPublicCertificate() != second.ExportPublicCertificate() {
		t.Error("certificate changed between calls")
	}
	if !bytes.Equal(first.KeyPEM, second.KeyPEM) {
		t.Error("key changed between calls")
	}
	keyAfter, err := os.ReadFile(second.KeyPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(keyBefore, keyAfter) {
		t.Error("key file was overwritten")
	}
}

func TestEnsureAuthority_PartialPairRegenerates(t *testing.T) {
	dir := t.TempDir()

	first, err := EnsureAuthority(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(first.KeyPath); err != nil {
		t.Fatal(err)
	}

	second, err := EnsureAuthority(dir)
	if err != nil {
		t.Fatalf("EnsureAuthority: %v", err)
	}
	if first.ExportPublicCertificate() == second.ExportPublicCertificate() {
		t.Error("expected a new authority when the key was missing")
	}
	if _, _, err := second.Certificate(); err != nil {
		t.Errorf("regenerated pair does not parse: %v", err)
	}
}

func TestEnsureAuthority_IOError(t *testing.T) {
	// A regular file where the data directory should be.
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := EnsureAuthority(filepath.Join(blocker, "data"))
	if !errors.Is(err, ErrIO) {
		t.Fatalf("err = %v, want ErrIO", err)
	}
	var pathErr *fs.PathError
	if !errors.As(err, &pathErr) {
		t.Errorf("err = %v, want the filesystem cause to stay wrapped", err)
	}
}

func TestEnsureAuthority_CorruptPair(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, AuthorityCertFile)
	keyPath := filepath.Join(dir, AuthorityKeyFile)
	if err := os.WriteFile(certPath, []byte("not a certificate"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyPath, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := EnsureAuthority(dir); !errors.Is(err, ErrCrypto) {
		t.Fatalf("err = %v, want ErrCrypto", err)
	}

	got, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "not a certificate" {
		t.Error("corrupt authority was overwritten")
	}
}

func TestExportPublicCertificate(t *testing.T) {
	a, err := EnsureAuthority(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	pem := a.ExportPublicCertificate()
	onDisk, err := os.ReadFile(a.CertPath)
	if err != nil {
		t.Fatal(err)
	}
	if pem != string(onDisk) {
		t.Error("exported certificate differs from the file")
	}
	if !bytes.HasPrefix([]byte(pem), []byte("-----BEGIN CERTIFICATE-----")) {
		t.Errorf("unexpected PEM header: %.40q", pem)
	}
	if bytes.Contains([]byte(pem), []byte("PRIVATE KEY")) {
		t.Error("exported certificate contains key material")
	}
}
