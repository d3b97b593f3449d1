package downloader

import (
	"context"
	"fmt"
	"os"
	"time"

	"megafetch/internal"
	"megafetch/megacrypt"
	"megafetch/metrics"
	"megafetch/utils"
)

var (
	_ internal.LinkResolver   = (*MegaResolver)(nil)
	_ internal.DownloadEngine = (*MultiThreadEngine)(nil)
	_ internal.AccountChecker = (*ShareOnlineAccount)(nil)
)

// HosterOptions configures a MegaHoster
type HosterOptions struct {
	HTTPClient     *utils.HTTPClient
	APIURL         string
	AllowedDomains []string
	ChunkSize      int
	VerifyMAC      bool
	Metrics        *metrics.Metrics
}

// MegaHoster runs the whole pipeline for a MEGA link: resolve the node,
// download the encrypted body to "<name>.crypted", then decrypt it to "<name>"
type MegaHoster struct {
	resolver  *MegaResolver
	engine    *MultiThreadEngine
	fileOps   *utils.FileOperations
	metrics   *metrics.Metrics
	chunkSize int
	verifyMAC bool
}

// NewMegaHoster wires a resolver and download engine sharing one HTTP client
func NewMegaHoster(opts HosterOptions) *MegaHoster {
	client := opts.HTTPClient
	if client == nil {
		client = utils.NewHTTPClient()
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = megacrypt.DefaultChunkSize
	}

	resolver := NewMegaResolverWithClient(client, opts.APIURL)
	resolver.SetMetrics(opts.Metrics)
	if len(opts.AllowedDomains) > 0 {
		resolver.SetValidator(utils.NewURLValidatorWithDomains(opts.AllowedDomains))
	}

	engine := NewMultiThreadEngineWithClient(client)
	engine.SetMetrics(opts.Metrics)

	return &MegaHoster{
		resolver:  resolver,
		engine:    engine,
		fileOps:   utils.NewFileOperations(),
		metrics:   opts.Metrics,
		chunkSize: chunkSize,
		verifyMAC: opts.VerifyMAC,
	}
}

// Resolver returns the link resolver
func (h *MegaHoster) Resolver() *MegaResolver {
	return h.resolver
}

// Engine returns the download engine
func (h *MegaHoster) Engine() *MultiThreadEngine {
	return h.engine
}

// Process downloads and decrypts the file behind rawURL. dl.OutputPath may name
// a directory or the final file; empty means the remote name in the working directory.
func (h *MegaHoster) Process(ctx context.Context, rawURL string, dl *internal.DownloadConfig) (*megacrypt.Artifact, error) {
	if dl == nil {
		dl = &internal.DownloadConfig{Threads: 1}
	}

	res, err := h.resolver.ResolveLink(ctx, rawURL)
	if err != nil {
		h.metrics.RecordOutcome(err)
		return nil, err
	}

	finalPath := utils.OutputPath(dl.OutputPath, res.Metadata.Filename)
	artifact, err := h.fetchAndDecrypt(ctx, res, finalPath, dl)
	h.metrics.RecordOutcome(err)
	return artifact, err
}

// Resume continues an interrupted encrypted download. partialPath names the
// "<name>.crypted.part" file (or the ".crypted" path or its resume metadata).
// The node is resolved again because download URLs expire.
func (h *MegaHoster) Resume(ctx context.Context, partialPath string, dl *internal.DownloadConfig) (*megacrypt.Artifact, error) {
	if dl == nil {
		dl = &internal.DownloadConfig{Threads: 1}
	}

	encryptedPath := OutputPathFromPartial(partialPath)
	resumeData, err := h.engine.Planner().LoadResumeMetadata(encryptedPath)
	if err != nil {
		return nil, internal.NewResumeDataCorruptedError(MetadataPath(encryptedPath), "cannot load resume metadata").WithCause(err)
	}
	saved := resumeData.FileMetadata
	if saved == nil || saved.NodeID == "" || saved.EncodedKey == "" {
		return nil, internal.NewResumeIncompatibleError("resume metadata has no node or key")
	}

	link := &utils.ShareLink{NodeID: saved.NodeID, EncodedKey: saved.EncodedKey, IsPublic: saved.Public}
	res, err := h.resolver.ResolveLink(ctx, link.CanonicalURL())
	if err != nil {
		h.metrics.RecordOutcome(err)
		return nil, err
	}

	artifact, err := h.fetchAndDecrypt(ctx, res, megacrypt.DecryptedPath(encryptedPath), dl)
	h.metrics.RecordOutcome(err)
	return artifact, err
}

// Decrypt decrypts an already downloaded body with the key from its share link
func (h *MegaHoster) Decrypt(ctx context.Context, encryptedPath, encodedKey, decryptedPath string, quiet bool) (*megacrypt.Artifact, error) {
	key, err := megacrypt.DeriveKey(encodedKey)
	if err != nil {
		return nil, internal.NewDecryptionError(encryptedPath, err)
	}
	if decryptedPath == "" {
		decryptedPath = megacrypt.DecryptedPath(encryptedPath)
	}
	size, err := h.fileOps.GetFileSize(encryptedPath)
	if err != nil {
		return nil, internal.NewDecryptionError(encryptedPath, err)
	}
	return h.decrypt(ctx, encryptedPath, decryptedPath, size, key, quiet)
}

func (h *MegaHoster) fetchAndDecrypt(ctx context.Context, res *Resolution, finalPath string, dl *internal.DownloadConfig) (*megacrypt.Artifact, error) {
	meta := res.Metadata
	encryptedPath := finalPath + megacrypt.EncryptedSuffix

	internal.GetLogger().InfoFields(map[string]interface{}{
		"node": meta.NodeID,
		"size": meta.Size,
	}, "Downloading %s", meta.Filename)

	engineConfig := *dl
	engineConfig.OutputPath = encryptedPath
	if err := h.engine.Download(ctx, meta, &engineConfig); err != nil {
		return nil, err
	}

	return h.decrypt(ctx, encryptedPath, finalPath, meta.Size, res.Key, dl.Quiet)
}

func (h *MegaHoster) decrypt(ctx context.Context, encryptedPath, decryptedPath string, size int64, key *megacrypt.KeyMaterial, quiet bool) (*megacrypt.Artifact, error) {
	tracker := utils.NewPhaseTracker(utils.PhaseDecrypt, size, quiet)
	tracker.SetFilename(decryptedPath)

	decryptor := &megacrypt.FileDecryptor{
		ChunkSize:  h.chunkSize,
		VerifyMAC:  h.verifyMAC,
		OnProgress: tracker.Update,
	}

	start := time.Now()
	artifact, err := decryptor.DecryptFile(ctx, encryptedPath, decryptedPath, key)
	if err != nil {
		tracker.Abort()
		// Both the encrypted body and the ".part" output are left in place
		if ctx.Err() != nil {
			return nil, fmt.Errorf("decryption cancelled, %s kept: %w", encryptedPath, ctx.Err())
		}
		return nil, internal.NewDecryptionError(encryptedPath, err)
	}

	h.metrics.RecordDecryption(artifact.Size, time.Since(start))
	tracker.Finish()

	if info, statErr := os.Stat(artifact.Path); statErr == nil && info.Size() != size {
		internal.LogWarn("Decrypted size %d differs from reported size %d", info.Size(), size)
	}

	internal.LogInfo("Saved %s", artifact.Path)
	return artifact, nil
}
