// Copyright 2025 IdeaVault
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package secrets

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"golang.org/x/crypto/pbkdf2"
)

// KeySource resolves the AES key used for credential encryption.
type KeySource interface {
	// Key returns a KeySize-byte key.
	Key(ctx context.Context) ([]byte, error)
}

// pbkdf2Iterations follows the OWASP recommendation for SHA-256.
const pbkdf2Iterations = 600000

// EnvKeySource reads the key from an environment variable. The value is
// either base64 (44 chars for 32 bytes), hex (64 chars), or an arbitrary
// passphrase stretched with PBKDF2.
type EnvKeySource struct {
	// Var is the environment variable holding the key material.
	// Defaults to AGENT_ENCRYPTION_KEY.
	Var string

	// Salt feeds PBKDF2 when the value is a passphrase. Defaults to
	// the variable name, which keeps derivation stable per deployment.
	Salt string
}

func (s *EnvKeySource) Key(ctx context.Context) ([]byte, error) {
	name := s.Var
	if name == "" {
		name = "AGENT_ENCRYPTION_KEY"
	}
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return nil, fmt.Errorf("secrets: %s is not set", name)
	}
	salt := s.Salt
	if salt == "" {
		salt = name
	}
	return DeriveKey(value, salt)
}

// DeriveKey turns raw key material into a KeySize-byte key. Exact-length
// base64 or hex encodings are decoded as-is; anything else is treated as
// a passphrase and stretched with PBKDF2-SHA256.
func DeriveKey(material, salt string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(material); err == nil && len(decoded) == KeySize {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(material); err == nil && len(decoded) == KeySize {
		return decoded, nil
	}
	if len(material) < 16 {
		return nil, errors.New("secrets: passphrase must be at least 16 characters")
	}
	return pbkdf2.Key([]byte(material), []byte(salt), pbkdf2Iterations, KeySize, sha256.New), nil
}

// AWSKeySource fetches the key from AWS Secrets Manager. The secret
// value holds the same encodings EnvKeySource accepts.
type AWSKeySource struct {
	// SecretID is the name or ARN of the secret.
	SecretID string

	// Salt feeds PBKDF2 for passphrase values. Defaults to SecretID.
	Salt string
}

func (s *AWSKeySource) Key(ctx context.Context) ([]byte, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("secrets: aws config: %w", err)
	}
	client := secretsmanager.NewFromConfig(cfg)
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &s.SecretID,
	})
	if err != nil {
		return nil, fmt.Errorf("secrets: get secret %s: %w", s.SecretID, err)
	}
	if out.SecretString == nil {
		return nil, fmt.Errorf("secrets: secret %s has no string value", s.SecretID)
	}
	salt := s.Salt
	if salt == "" {
		salt = s.SecretID
	}
	return DeriveKey(strings.TrimSpace(*out.SecretString), salt)
}

// Load resolves the key source from the environment and returns a ready
// Cipher. AGENT_ENCRYPTION_KEY_SECRET_ID selects AWS Secrets Manager;
// otherwise AGENT_ENCRYPTION_KEY is read directly.
func Load(ctx context.Context) (*Cipher, error) {
	var src KeySource
	if secretID := os.Getenv("AGENT_ENCRYPTION_KEY_SECRET_ID"); secretID != "" {
		src = &AWSKeySource{SecretID: secretID}
	} else {
		src = &EnvKeySource{}
	}
	key, err := src.Key(ctx)
	if err != nil {
		return nil, err
	}
	return NewCipher(key)
}
