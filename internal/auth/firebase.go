package auth

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/appcheck"
	fbauth "firebase.google.com/go/v4/auth"
)

// FirebaseIDVerifier проверяет Firebase ID токены.
type FirebaseIDVerifier struct {
	client *fbauth.Client
}

func NewFirebaseIDVerifier(ctx context.Context, app *firebase.App) (*FirebaseIDVerifier, error) {
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase auth client: %w", err)
	}
	return &FirebaseIDVerifier{client: client}, nil
}

func (v *FirebaseIDVerifier) VerifyIDToken(ctx context.Context, token string) (string, error) {
	decoded, err := v.client.VerifyIDToken(ctx, token)
	if err != nil {
		return "", err
	}
	return decoded.UID, nil
}

// FirebaseAppCheckVerifier проверяет токены Firebase App Check.
type FirebaseAppCheckVerifier struct {
	client *appcheck.Client
}

func NewFirebaseAppCheckVerifier(ctx context.Context, app *firebase.App) (*FirebaseAppCheckVerifier, error) {
	client, err := app.AppCheck(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase app check client: %w", err)
	}
	return &FirebaseAppCheckVerifier{client: client}, nil
}

func (v *FirebaseAppCheckVerifier) VerifyAppCheck(_ context.Context, token string) error {
	_, err := v.client.VerifyToken(token)
	return err
}
