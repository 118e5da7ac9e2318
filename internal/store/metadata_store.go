package store

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/chatwire/session-gateway/internal/domain"
	"github.com/chatwire/session-gateway/internal/observability"

	"golang.org/x/crypto/chacha20poly1305"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	ErrRecordNotFound   = errors.New("metadata record not found")
	ErrMaterialNotFound = errors.New("credential material not found")
)

// MetadataStore is the durable persistence boundary: session metadata for
// restart recovery plus the sealed credential material that makes a session
// resumable without a new scannable token.
type MetadataStore interface {
	Save(ctx context.Context, record *domain.MetadataRecord) error
	Remove(ctx context.Context, id string) error
	ListAll(ctx context.Context) ([]domain.MetadataRecord, error)
	SaveCredentialMaterial(ctx context.Context, id string, material []byte) error
	LoadCredentialMaterial(ctx context.Context, id string) ([]byte, error)
	CredentialMaterialExists(ctx context.Context, id string) (bool, error)
	DeleteCredentialMaterial(ctx context.Context, id string) error
}

type credentialMaterial struct {
	SessionID string `gorm:"primaryKey;size:128"`
	Sealed    []byte
	UpdatedAt time.Time
}

func (credentialMaterial) TableName() string { return "credential_materials" }

// Open connects to the configured database and migrates the store schema.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if err := db.AutoMigrate(&domain.MetadataRecord{}, &credentialMaterial{}); err != nil {
		return nil, fmt.Errorf("migrate store schema: %w", err)
	}
	return db, nil
}

type GormMetadataStore struct {
	db      *gorm.DB
	sealKey []byte
}

// NewMetadataStore wraps db. sealKey, when non-nil, must be a 32-byte key;
// credential material is then sealed with XChaCha20-Poly1305 before it
// touches the database.
func NewMetadataStore(db *gorm.DB, sealKey []byte) (MetadataStore, error) {
	if sealKey != nil && len(sealKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("seal key must be %d bytes, got %d", chacha20poly1305.KeySize, len(sealKey))
	}
	return &GormMetadataStore{db: db, sealKey: sealKey}, nil
}

func (s *GormMetadataStore) Save(ctx context.Context, record *domain.MetadataRecord) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(record).Error
	if err != nil {
		observability.RecordStoreOperation(ctx, "metadata", "save", "error")
		return err
	}
	observability.RecordStoreOperation(ctx, "metadata", "save", "success")
	return nil
}

func (s *GormMetadataStore) Remove(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&domain.MetadataRecord{}).Error
	if err != nil {
		observability.RecordStoreOperation(ctx, "metadata", "remove", "error")
		return err
	}
	observability.RecordStoreOperation(ctx, "metadata", "remove", "success")
	return nil
}

func (s *GormMetadataStore) ListAll(ctx context.Context) ([]domain.MetadataRecord, error) {
	var records []domain.MetadataRecord
	err := s.db.WithContext(ctx).Order("created_at ASC").Find(&records).Error
	if err != nil {
		observability.RecordStoreOperation(ctx, "metadata", "list_all", "error")
		return nil, err
	}
	observability.RecordStoreOperation(ctx, "metadata", "list_all", "success")
	return records, nil
}

func (s *GormMetadataStore) SaveCredentialMaterial(ctx context.Context, id string, material []byte) error {
	sealed, err := s.seal(material)
	if err != nil {
		observability.RecordStoreOperation(ctx, "credential_material", "save", "error")
		return err
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "session_id"}}, UpdateAll: true}).
		Create(&credentialMaterial{SessionID: id, Sealed: sealed}).Error
	if err != nil {
		observability.RecordStoreOperation(ctx, "credential_material", "save", "error")
		return err
	}
	observability.RecordStoreOperation(ctx, "credential_material", "save", "success")
	return nil
}

func (s *GormMetadataStore) LoadCredentialMaterial(ctx context.Context, id string) ([]byte, error) {
	var row credentialMaterial
	err := s.db.WithContext(ctx).Where("session_id = ?", id).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordStoreOperation(ctx, "credential_material", "load", "not_found")
			return nil, ErrMaterialNotFound
		}
		observability.RecordStoreOperation(ctx, "credential_material", "load", "error")
		return nil, err
	}
	material, err := s.unseal(row.Sealed)
	if err != nil {
		observability.RecordStoreOperation(ctx, "credential_material", "load", "error")
		return nil, err
	}
	observability.RecordStoreOperation(ctx, "credential_material", "load", "success")
	return material, nil
}

func (s *GormMetadataStore) CredentialMaterialExists(ctx context.Context, id string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&credentialMaterial{}).Where("session_id = ?", id).Count(&count).Error
	if err != nil {
		observability.RecordStoreOperation(ctx, "credential_material", "exists", "error")
		return false, err
	}
	observability.RecordStoreOperation(ctx, "credential_material", "exists", "success")
	return count > 0, nil
}

func (s *GormMetadataStore) DeleteCredentialMaterial(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Where("session_id = ?", id).Delete(&credentialMaterial{}).Error
	if err != nil {
		observability.RecordStoreOperation(ctx, "credential_material", "delete", "error")
		return err
	}
	observability.RecordStoreOperation(ctx, "credential_material", "delete", "success")
	return nil
}

func (s *GormMetadataStore) seal(material []byte) ([]byte, error) {
	if s.sealKey == nil {
		return material, nil
	}
	aead, err := chacha20poly1305.NewX(s.sealKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, material, nil), nil
}

func (s *GormMetadataStore) unseal(sealed []byte) ([]byte, error) {
	if s.sealKey == nil {
		return sealed, nil
	}
	aead, err := chacha20poly1305.NewX(s.sealKey)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("sealed credential material too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}
