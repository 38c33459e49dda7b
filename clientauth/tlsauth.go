package clientauth

import (
	"crypto/subtle"
	"encoding/hex"

	"github.com/abblix/oidcore/clientinfo"
	"github.com/abblix/oidcore/oidcerr"
)

// checkTLSClientAuth validates the already-TLS-verified peer certificate
// against the client's registered binding (PKI mutual-TLS, RFC 8705
// §2.1): subject DN or any one registered SAN must match.
func checkTLSClientAuth(client *clientinfo.ClientInfo, cred Credentials) error {
	if len(cred.PeerCertificateDER) == 0 {
		return oidcerr.New(oidcerr.InvalidClient, "tls_client_auth requires a client certificate")
	}
	opts := client.TLSClientAuth
	if opts.SubjectDN != "" && opts.SubjectDN == cred.PeerSubjectDN {
		return nil
	}
	if contains(opts.SANDNS, cred.PeerSANDNS) || contains(opts.SANURI, cred.PeerSANURI) ||
		contains(opts.SANIP, cred.PeerSANIP) || contains(opts.SANEmail, cred.PeerSANEmail) {
		return nil
	}
	return oidcerr.New(oidcerr.InvalidClient, "client certificate does not match registered binding")
}

// checkSelfSignedTLSClientAuth validates a self-signed client
// certificate against its pinned SHA-256 thumbprint (RFC 8705 §2.2);
// unlike tls_client_auth, this method never relies on the TLS stack
// having validated the certificate against a CA.
func checkSelfSignedTLSClientAuth(client *clientinfo.ClientInfo, cred Credentials) error {
	if len(cred.PeerCertificateDER) == 0 {
		return oidcerr.New(oidcerr.InvalidClient, "self_signed_tls_client_auth requires a client certificate")
	}
	presented := hex.EncodeToString(cred.PeerCertSHA256[:])
	for _, pinned := range client.SelfSignedThumbprints {
		if subtle.ConstantTimeCompare([]byte(pinned), []byte(presented)) == 1 {
			return nil
		}
	}
	return oidcerr.New(oidcerr.InvalidClient, "client certificate thumbprint is not pinned")
}

func contains(registered, presented []string) bool {
	for _, r := range registered {
		for _, p := range presented {
			if r == p {
				return true
			}
		}
	}
	return false
}
