package push

import (
	"fmt"

	"go.uber.org/zap"

	"callcore-backend/pkg/config"
	"callcore-backend/pkg/logger"
)

// ProviderType names a push delivery backend
type ProviderType string

const (
	ProviderTypeMock ProviderType = "mock"
	ProviderTypeFCM  ProviderType = "fcm"
	ProviderTypeAPNs ProviderType = "apns"
)

// NewProvider builds the provider selected by cfg.Provider from the
// credentials in the same config section.
func NewProvider(cfg config.PushConfig) (Provider, error) {
	providerType := ProviderType(cfg.Provider)
	logger.Info("Initializing push notification provider",
		zap.String("provider_type", string(providerType)))

	switch providerType {
	case ProviderTypeFCM:
		fcm, err := NewFCMProvider(fcmConfig(cfg.FCM))
		if err != nil {
			return nil, err
		}
		return fcm, nil

	case ProviderTypeAPNs:
		apnsCfg, err := apnsConfig(cfg.APNs)
		if err != nil {
			return nil, err
		}
		apns, err := NewAPNsProvider(apnsCfg)
		if err != nil {
			return nil, err
		}
		return apns, nil

	case ProviderTypeMock, "":
		return &MockProvider{}, nil

	default:
		return nil, fmt.Errorf("unknown push provider %q", cfg.Provider)
	}
}

func fcmConfig(c config.FCMPushConfig) *FCMConfig {
	return &FCMConfig{
		ProjectID:       c.ProjectID,
		CredentialsPath: c.CredentialsPath,
	}
}

// apnsConfig keeps only one auth method: the signing key when it is fully
// configured, otherwise the certificate.
func apnsConfig(c config.APNsPushConfig) (*APNsConfig, error) {
	out := &APNsConfig{
		BundleID:   c.BundleID,
		Production: c.Production,
	}

	switch {
	case c.UsesToken():
		out.KeyPath = c.KeyPath
		out.KeyID = c.KeyID
		out.TeamID = c.TeamID
	case c.CertificatePath != "":
		out.CertificatePath = c.CertificatePath
		out.CertificatePassword = c.CertificatePassword
	default:
		return nil, fmt.Errorf("apns provider has neither a signing key nor a certificate")
	}
	return out, nil
}
