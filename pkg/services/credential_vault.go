package services

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tcmartin/flowcraft/pkg/auth"
	"github.com/tcmartin/flowcraft/pkg/models"
	"github.com/tcmartin/flowcraft/pkg/storage"
)

var _ auth.CredentialSource = (*CredentialVaultService)(nil)

// CredentialVaultService stores credentials with their config encrypted
// using AES-GCM
type CredentialVaultService struct {
	store storage.CredentialStore
	gcm   cipher.AEAD
}

// NewCredentialVaultService creates a new credential vault with encryption
func NewCredentialVaultService(store storage.CredentialStore, encryptionKey []byte) (*CredentialVaultService, error) {
	gcm, err := newGCM(encryptionKey)
	if err != nil {
		return nil, err
	}

	return &CredentialVaultService{
		store: store,
		gcm:   gcm,
	}, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes (256 bits)")
	}

	// Create AES cipher
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	// Create GCM mode for authenticated encryption
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// SaveCredential encrypts the config and stores the credential. A new ID
// is assigned when empty; an existing credential keeps its creation time.
func (s *CredentialVaultService) SaveCredential(ctx context.Context, cred *models.Credential) error {
	if cred.WorkspaceID == "" {
		return fmt.Errorf("workspace ID is required")
	}
	if strings.TrimSpace(cred.Type) == "" {
		return fmt.Errorf("credential type is required")
	}
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	if cred.Name == "" {
		cred.Name = cred.ID
	}

	sealed, err := s.seal(cred.Config)
	if err != nil {
		return fmt.Errorf("failed to encrypt credential: %w", err)
	}

	now := time.Now().UTC()
	cred.CreatedAt = now
	cred.UpdatedAt = now
	if existing, err := s.store.GetCredential(ctx, cred.WorkspaceID, cred.ID); err == nil {
		cred.CreatedAt = existing.CreatedAt
	}

	stored := *cred
	stored.SealedConfig = sealed
	stored.Config = nil
	return s.store.SaveCredential(ctx, &stored)
}

// GetCredential retrieves a credential with its config decrypted
func (s *CredentialVaultService) GetCredential(ctx context.Context, workspaceID, id string) (*models.Credential, error) {
	cred, err := s.store.GetCredential(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}

	config, err := s.unseal(cred.SealedConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credential: %w", err)
	}

	cred.Config = config
	cred.SealedConfig = ""
	return cred, nil
}

// ListCredentials returns credential metadata without config
func (s *CredentialVaultService) ListCredentials(ctx context.Context, workspaceID string) ([]*models.Credential, error) {
	creds, err := s.store.ListCredentials(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	// Clear the values for security
	for _, c := range creds {
		config, err := s.unseal(c.SealedConfig)
		c.HasConfig = err == nil && len(config) > 0
		c.Config = nil
		c.SealedConfig = ""
	}
	return creds, nil
}

// DeleteCredential removes a credential
func (s *CredentialVaultService) DeleteCredential(ctx context.Context, workspaceID, id string) error {
	return s.store.DeleteCredential(ctx, workspaceID, id)
}

// RotateEncryptionKey re-encrypts the credentials of the given workspaces
// with newKey and switches the vault to it
func (s *CredentialVaultService) RotateEncryptionKey(ctx context.Context, newKey []byte, workspaceIDs []string) error {
	newGCM, err := newGCM(newKey)
	if err != nil {
		return err
	}

	for _, workspaceID := range workspaceIDs {
		creds, err := s.store.ListCredentials(ctx, workspaceID)
		if err != nil {
			return fmt.Errorf("failed to list credentials for workspace %s: %w", workspaceID, err)
		}

		for _, cred := range creds {
			plaintext, err := decryptWith(s.gcm, cred.SealedConfig)
			if err != nil {
				return fmt.Errorf("failed to decrypt credential %s: %w", cred.ID, err)
			}
			sealed, err := encryptWith(newGCM, plaintext)
			if err != nil {
				return fmt.Errorf("failed to re-encrypt credential %s: %w", cred.ID, err)
			}

			cred.SealedConfig = sealed
			cred.UpdatedAt = time.Now().UTC()
			if err := s.store.SaveCredential(ctx, cred); err != nil {
				return fmt.Errorf("failed to save re-encrypted credential %s: %w", cred.ID, err)
			}
		}
	}

	s.gcm = newGCM
	return nil
}

func (s *CredentialVaultService) seal(config map[string]interface{}) (string, error) {
	if config == nil {
		config = map[string]interface{}{}
	}
	plaintext, err := json.Marshal(config)
	if err != nil {
		return "", err
	}
	return encryptWith(s.gcm, plaintext)
}

func (s *CredentialVaultService) unseal(sealed string) (map[string]interface{}, error) {
	if sealed == "" {
		return map[string]interface{}{}, nil
	}
	plaintext, err := decryptWith(s.gcm, sealed)
	if err != nil {
		return nil, err
	}

	var config map[string]interface{}
	if err := json.Unmarshal(plaintext, &config); err != nil {
		return nil, fmt.Errorf("failed to decode credential config: %w", err)
	}
	return config, nil
}

// encryptWith encrypts plaintext and returns nonce+ciphertext as hex
func encryptWith(gcm cipher.AEAD, plaintext []byte) (string, error) {
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return hex.EncodeToString(ciphertext), nil
}

// decryptWith decrypts a hex-encoded nonce+ciphertext
func decryptWith(gcm cipher.AEAD, ciphertextHex string) ([]byte, error) {
	ciphertext, err := hex.DecodeString(ciphertextHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode hex: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// GenerateEncryptionKey generates a new 256-bit encryption key
func GenerateEncryptionKey() ([]byte, error) {
	key := make([]byte, 32) // 256 bits
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	return key, nil
}

// EncryptionKeyFromHex converts a hex string to an encryption key
func EncryptionKeyFromHex(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode hex key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes (256 bits), got %d", len(key))
	}
	return key, nil
}

// EncryptionKeyToHex converts an encryption key to a hex string
func EncryptionKeyToHex(key []byte) string {
	return hex.EncodeToString(key)
}
