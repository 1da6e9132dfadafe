package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/datacraft-io/lakehouse/internal/catalog"
	"github.com/datacraft-io/lakehouse/internal/lake"
	"github.com/datacraft-io/lakehouse/internal/pattern"
)

// sftpConnectionConfig is the connection_config payload of an SFTP source.
type sftpConnectionConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

const defaultSFTPPort = 22

// extractSFTP lists the remote source directory and streams every new file
// matching the declared pattern into the inbound zone. Files whose inbound
// target already succeeded are skipped before pattern matching.
func (e *Extractor) extractSFTP(ctx context.Context, detail *catalog.AcquisitionDetail) error {
	conn, err := e.store.AcquisitionConnection(ctx, detail.OutboundSourcePlatform, detail.OutboundSourceSystem)
	if err != nil {
		return err
	}

	var cfg sftpConnectionConfig
	if err := json.Unmarshal([]byte(conn.ConnectionConfig), &cfg); err != nil {
		return fmt.Errorf("%w: %w", ErrBadConnectionConfig, err)
	}

	if cfg.Host == "" {
		return fmt.Errorf("%w: sftp host is required", ErrBadConnectionConfig)
	}

	sshConfig, err := sshClientConfig(&cfg, conn.SSHPrivateKey)
	if err != nil {
		return err
	}

	port := cfg.Port
	if port == 0 {
		port = defaultSFTPPort
	}

	sshClient, err := ssh.Dial("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(port)), sshConfig)
	if err != nil {
		return fmt.Errorf("dialing sftp host: %w", err)
	}
	defer func() { _ = sshClient.Close() }()

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		return fmt.Errorf("opening sftp session: %w", err)
	}
	defer func() { _ = client.Close() }()

	entries, err := client.ReadDir(detail.OutboundSourceLocation)
	if err != nil {
		return fmt.Errorf("listing %s: %w", detail.OutboundSourceLocation, err)
	}

	processed, err := e.processedLocations(ctx, detail)
	if err != nil {
		return err
	}

	static := detail.OutboundSourceFilePatternStatic == catalog.FlagYes
	newFiles := 0

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		target := lake.Child(detail.InboundLocation, e.env, name)

		if processed[target.URI] {
			continue
		}

		match, err := pattern.Validate(detail.OutboundSourceFilePattern, name, static)
		if err != nil {
			return err
		}

		if !match {
			continue
		}

		newFiles++

		startedAt := e.now()
		batchID := catalog.NewBatchID(startedAt)

		if err := e.copySFTPFile(ctx, client, detail, name, target); err != nil {
			e.logAttempt(ctx, detail, batchID, startedAt, detail.OutboundSourceLocation, "", err)

			return fmt.Errorf("copying %s from sftp: %w", name, err)
		}

		e.logAttempt(ctx, detail, batchID, startedAt, detail.OutboundSourceLocation, target.URI, nil)
		e.logger.Info("acquired sftp file",
			slog.String("file", name),
			slog.String("target", target.URI),
		)
	}

	if newFiles == 0 {
		return fmt.Errorf("%w: sftp %s", ErrNoUnprocessedFiles, detail.OutboundSourceLocation)
	}

	return nil
}

func (e *Extractor) copySFTPFile(ctx context.Context, client *sftp.Client, detail *catalog.AcquisitionDetail, name string, target lake.Location) error {
	remote, err := client.Open(remotePath(detail.OutboundSourceLocation, name))
	if err != nil {
		return fmt.Errorf("opening remote file: %w", err)
	}
	defer func() { _ = remote.Close() }()

	if err := e.objects.Put(ctx, target.Bucket, target.Key, remote, -1); err != nil {
		return fmt.Errorf("writing inbound object: %w", err)
	}

	return nil
}

// remotePath joins the source directory and a file name without doubling
// the separator.
func remotePath(dir, name string) string {
	if dir == "" {
		return name
	}

	if dir[len(dir)-1] == '/' {
		return dir + name
	}

	return dir + "/" + name
}

// sshClientConfig builds the SSH auth from the connection row: a PEM
// private key when present, the password otherwise.
func sshClientConfig(cfg *sftpConnectionConfig, privateKey string) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	if privateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(privateKey))
		if err != nil {
			return nil, fmt.Errorf("parsing ssh private key: %w", err)
		}

		auth = append(auth, ssh.PublicKeys(signer))
	} else if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}

	return &ssh.ClientConfig{
		User: cfg.Username,
		Auth: auth,
		// Source hosts are registered out of band in the connection
		// master; host keys are not pinned there.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}, nil
}
