package agent

import (
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
)

// clientConfig authenticates with the endpoint's private key first. The
// keyboard-interactive fallback answers every prompt with an empty string.
func clientConfig(endpoint entity.RemoteEndpoint, timeout time.Duration) (*ssh.ClientConfig, error) {
	if endpoint.Username == "" {
		return nil, errors.New("login user is required")
	}
	signer, err := ParseSigner(endpoint.Auth)
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User: endpoint.Username,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
			ssh.KeyboardInteractive(emptyChallengeResponse),
		},
		Timeout: timeout,
	}, nil
}

// ParseSigner decodes the private key, using the passphrase when one is set.
func ParseSigner(auth entity.AuthMaterial) (ssh.Signer, error) {
	if len(auth.PrivateKey) == 0 {
		return nil, errors.New("private key is empty")
	}
	if auth.Passphrase != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(auth.PrivateKey, []byte(auth.Passphrase))
		if err != nil {
			return nil, errors.WrapAndTrace(err, "decrypting private key")
		}
		return signer, nil
	}
	signer, err := ssh.ParsePrivateKey(auth.PrivateKey)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, errors.New("private key is passphrase protected but no passphrase was supplied")
		}
		return nil, errors.WrapAndTrace(err, "parsing private key")
	}
	return signer, nil
}

func emptyChallengeResponse(_ string, _ string, questions []string, _ []bool) ([]string, error) {
	return make([]string, len(questions)), nil
}
