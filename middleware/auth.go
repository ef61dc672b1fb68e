package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/tv42/zbase32"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/msconstructor/data-sync/proto"
)

type contextKey string

const userPubkeyContextKey contextKey = "user_pubkey"

var ErrInvalidSignature = errors.New("invalid signature")
var SignedMsgPrefix = []byte("realtimesync:")

// UserPubkey returns the hex encoded key that signed the current request.
func UserPubkey(ctx context.Context) (string, bool) {
	pubkey, ok := ctx.Value(userPubkeyContextKey).(string)
	return pubkey, ok
}

// WithUserPubkey attaches an authenticated key to ctx.
func WithUserPubkey(ctx context.Context, pubkey string) context.Context {
	return context.WithValue(ctx, userPubkeyContextKey, pubkey)
}

func checkApiKey(caCert *x509.Certificate, ctx context.Context) error {
	if caCert == nil {
		return nil
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return errors.New("could not read request metadata")
	}

	values := md.Get("authorization")
	if len(values) == 0 {
		return errors.New("missing auth header")
	}
	authHeader := values[0]
	if len(authHeader) <= 7 || !strings.HasPrefix(authHeader, "Bearer ") {
		return errors.New("invalid auth header")
	}

	block, err := base64.StdEncoding.DecodeString(authHeader[7:])
	if err != nil {
		return fmt.Errorf("could not decode auth header: %w", err)
	}

	cert, err := x509.ParseCertificate(block)
	if err != nil {
		return fmt.Errorf("could not parse certificate: %w", err)
	}

	rootPool := x509.NewCertPool()
	rootPool.AddCert(caCert)

	chains, err := cert.Verify(x509.VerifyOptions{
		Roots: rootPool,
	})
	if err != nil {
		return fmt.Errorf("certificate verification error: %w", err)
	}
	if len(chains) != 1 || len(chains[0]) != 2 || !chains[0][0].Equal(cert) || !chains[0][1].Equal(caCert) {
		return errors.New("certificate verification error: invalid chain of trust")
	}

	return nil
}

// Authenticate checks the api key, when a CA is configured, and recovers the
// user key from the request signature. The returned context carries the key.
func Authenticate(caCert *x509.Certificate, ctx context.Context, req any) (context.Context, error) {
	if err := checkApiKey(caCert, ctx); err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}

	var toVerify string
	var signature string
	switch r := req.(type) {
	case *proto.SetRecordsRequest:
		toVerify = SignSetRecords(r)
		signature = r.Signature
	case *proto.ListChangesRequest:
		toVerify = SignListChanges(r)
		signature = r.Signature
	case *proto.TrackChangesRequest:
		toVerify = SignTrackChanges(r)
		signature = r.Signature
	default:
		return nil, status.Errorf(codes.Internal, "unexpected request %T", req)
	}

	pubkey, err := VerifyMessage([]byte(toVerify), signature)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}

	return WithUserPubkey(ctx, hex.EncodeToString(pubkey.SerializeCompressed())), nil
}

// SignSetRecords returns the text a client signs for a SetRecords request.
func SignSetRecords(req *proto.SetRecordsRequest) string {
	h := sha256.New()
	for _, r := range req.Records {
		fmt.Fprintf(h, "%v-%x-%v-%v-%v-%v;", r.Id, r.Data, r.Version, r.CreatedAt, r.UpdatedAt, r.Tombstone)
	}
	return fmt.Sprintf("%v-%x-%v", req.Table, h.Sum(nil), req.RequestTime)
}

func SignListChanges(req *proto.ListChangesRequest) string {
	return fmt.Sprintf("%v-%v-%v", req.Table, req.SinceRevision, req.RequestTime)
}

func SignTrackChanges(req *proto.TrackChangesRequest) string {
	return fmt.Sprintf("%v", req.RequestTime)
}

func SignMessage(key *btcec.PrivateKey, msg []byte) (string, error) {
	message := append(append([]byte{}, SignedMsgPrefix...), msg...)
	digest := chainhash.DoubleHashB(message)
	signature, err := ecdsa.SignCompact(key, digest, true)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}
	return zbase32.EncodeToString(signature), nil
}

func VerifyMessage(message []byte, signature string) (*btcec.PublicKey, error) {
	// The signature should be zbase32 encoded
	sig, err := zbase32.DecodeString(signature)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signature: %w", err)
	}

	msg := append(append([]byte{}, SignedMsgPrefix...), message...)
	first := sha256.Sum256(msg)
	second := sha256.Sum256(first[:])
	pubkey, wasCompressed, err := ecdsa.RecoverCompact(
		sig,
		second[:],
	)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	if !wasCompressed {
		return nil, ErrInvalidSignature
	}

	return pubkey, nil
}
