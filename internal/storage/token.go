package storage

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/concent-network/concent/internal/message"
)

var (
	ErrUnauthorized   = errors.New("storage: unauthorized")
	ErrTokenExpired   = errors.New("storage: token expired")
	ErrChecksumFailed = errors.New("storage: checksum mismatch")
)

// ResultPath is where a provider uploads the result package of a subtask.
func ResultPath(taskID, subtaskID string) string {
	return fmt.Sprintf("blender/result/%s/%s.%s.zip", taskID, taskID, subtaskID)
}

// SourcePath is where the requestor's source package for a subtask lives.
func SourcePath(taskID, subtaskID string) string {
	return fmt.Sprintf("blender/source/%s/%s.%s.zip", taskID, taskID, subtaskID)
}

// TokenIssuer signs file transfer tokens on the broker's behalf.
type TokenIssuer struct {
	key     *ecdsa.PrivateKey
	address string
}

func NewTokenIssuer(key *ecdsa.PrivateKey, clusterAddress string) (*TokenIssuer, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: nil signing key", ErrInvalidConfig)
	}
	clusterAddress = strings.TrimSpace(clusterAddress)
	if clusterAddress == "" {
		return nil, fmt.Errorf("%w: storage cluster address required", ErrInvalidConfig)
	}
	return &TokenIssuer{key: key, address: clusterAddress}, nil
}

// Issue returns a signed token letting client perform op on files until deadline.
func (i *TokenIssuer) Issue(now, deadline time.Time, subtaskID string, client message.PublicKey, op message.TransferOperation, files []message.FileInfo) (*message.FileTransferToken, error) {
	tok := &message.FileTransferToken{
		Header:                    message.NewHeader(now),
		SubtaskID:                 subtaskID,
		TokenExpirationDeadline:   deadline.Unix(),
		StorageClusterAddress:     i.address,
		AuthorizedClientPublicKey: client,
		Operation:                 op,
		Files:                     append([]message.FileInfo(nil), files...),
	}
	if err := message.Sign(tok, i.key); err != nil {
		return nil, err
	}
	return tok, nil
}

// Service enforces transfer tokens in front of a Cluster.
type Service struct {
	cluster Cluster
	issuer  message.PublicKey
	now     func() time.Time
}

func NewService(cluster Cluster, issuer message.PublicKey, now func() time.Time) (*Service, error) {
	if cluster == nil || issuer.IsZero() {
		return nil, fmt.Errorf("%w: cluster and issuer key required", ErrInvalidConfig)
	}
	if now == nil {
		now = time.Now
	}
	return &Service{cluster: cluster, issuer: issuer, now: now}, nil
}

func (s *Service) Cluster() Cluster { return s.cluster }

// Upload stores data at path if tok authorizes client to upload it. The
// size and sha1 checksum must match the token's file entry.
func (s *Service) Upload(ctx context.Context, tok *message.FileTransferToken, client message.PublicKey, path string, data []byte) error {
	f, err := s.authorize(tok, client, message.OperationUpload, path)
	if err != nil {
		return err
	}
	if f.Size != 0 && uint64(len(data)) != f.Size {
		return fmt.Errorf("%w: size %d, expected %d", ErrChecksumFailed, len(data), f.Size)
	}
	if err := verifyChecksum(f.Checksum, data); err != nil {
		return err
	}
	return s.cluster.Put(ctx, f.Path, data)
}

func (s *Service) Download(ctx context.Context, tok *message.FileTransferToken, client message.PublicKey, path string) ([]byte, error) {
	f, err := s.authorize(tok, client, message.OperationDownload, path)
	if err != nil {
		return nil, err
	}
	return s.cluster.Get(ctx, f.Path)
}

func (s *Service) authorize(tok *message.FileTransferToken, client message.PublicKey, op message.TransferOperation, path string) (message.FileInfo, error) {
	if tok == nil {
		return message.FileInfo{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	if err := message.Validate(tok); err != nil {
		return message.FileInfo{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if err := message.Verify(tok, s.issuer); err != nil {
		return message.FileInfo{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if tok.Operation != op {
		return message.FileInfo{}, fmt.Errorf("%w: token is for %s", ErrUnauthorized, tok.Operation)
	}
	if tok.AuthorizedClientPublicKey != client {
		return message.FileInfo{}, fmt.Errorf("%w: client not authorized", ErrUnauthorized)
	}
	if s.now().Unix() > tok.TokenExpirationDeadline {
		return message.FileInfo{}, ErrTokenExpired
	}
	p, err := cleanPath(path)
	if err != nil {
		return message.FileInfo{}, err
	}
	for _, f := range tok.Files {
		if strings.TrimPrefix(f.Path, "/") == p {
			f.Path = p
			return f, nil
		}
	}
	return message.FileInfo{}, fmt.Errorf("%w: %s not in token", ErrUnauthorized, p)
}

func verifyChecksum(checksum string, data []byte) error {
	if checksum == "" {
		return nil
	}
	algo, want, ok := strings.Cut(checksum, ":")
	if !ok || algo != "sha1" {
		return fmt.Errorf("%w: unsupported checksum %q", ErrChecksumFailed, checksum)
	}
	sum := sha1.Sum(data)
	if !strings.EqualFold(hex.EncodeToString(sum[:]), want) {
		return ErrChecksumFailed
	}
	return nil
}

// Checksum formats data's digest the way file transfer tokens carry it.
func Checksum(data []byte) string {
	sum := sha1.Sum(data)
	return "sha1:" + hex.EncodeToString(sum[:])
}
