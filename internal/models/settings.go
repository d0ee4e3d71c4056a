package models

import "errors"

// RemoteLocation describes an S3-compatible bucket for off-site artifact copies.
type RemoteLocation struct {
	Name            string `json:"name"`
	Bucket          string `json:"bucket"`
	Prefix          string `json:"prefix,omitempty"`
	Region          string `json:"region,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
}

// Validate checks that the location can be used as an upload target.
func (r *RemoteLocation) Validate() error {
	if r.Name == "" {
		return errors.New("remote location: name is required")
	}
	if r.Bucket == "" {
		return errors.New("remote location: bucket is required")
	}
	return nil
}

// BackupLocations names where artifacts live.
type BackupLocations struct {
	Local  string           `json:"local"`
	Remote []RemoteLocation `json:"remote,omitempty"`
}

// VerificationSettings controls automatic verification after backup.
type VerificationSettings struct {
	Enabled   bool   `json:"enabled"`
	Frequency string `json:"frequency,omitempty"` // e.g. "daily"
}

// BackupSettings is the global backup configuration document.
type BackupSettings struct {
	Locations    BackupLocations      `json:"backup_locations"`
	Retention    RetentionPolicy      `json:"retention"`
	Verification VerificationSettings `json:"verification"`
}

// DefaultBackupSettings returns settings with the default retention policy
// and verification enabled.
func DefaultBackupSettings(localDir string) BackupSettings {
	return BackupSettings{
		Locations:    BackupLocations{Local: localDir},
		Retention:    DefaultRetentionPolicy(),
		Verification: VerificationSettings{Enabled: true, Frequency: "daily"},
	}
}
