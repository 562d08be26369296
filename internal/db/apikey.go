package db

import (
	"gorm.io/gorm"
)

// KeyByToken looks up an API key by its presented token value.
func KeyByToken(db *gorm.DB, token string) (*APIKey, error) {
	var key APIKey
	if err := db.Where("key = ?", token).First(&key).Error; err != nil {
		return nil, err
	}
	return &key, nil
}

// ListKeys returns all API keys, newest first.
func ListKeys(db *gorm.DB) ([]APIKey, error) {
	var keys []APIKey
	if err := db.Order("created_at DESC").Find(&keys).Error; err != nil {
		return nil, err
	}
	return keys, nil
}

// DeleteKey removes an API key and its grants. Proxy logs referencing the
// key are kept for history.
func DeleteKey(db *gorm.DB, id uint) error {
	if err := db.Where("api_key_id = ?", id).Delete(&KeyGrant{}).Error; err != nil {
		return err
	}
	return db.Delete(&APIKey{}, id).Error
}
