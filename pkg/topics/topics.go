// Package topics pre-creates a pipeline's streams through the Kafka admin API
// when the stream pre-creation policy is on, so the source connector never
// relies on broker-side auto-creation.
package topics

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/ajitpratap0/relay/pkg/config"
	"github.com/ajitpratap0/relay/pkg/errors"
	"github.com/ajitpratap0/relay/pkg/logger"
)

// Admin is the part of sarama.ClusterAdmin the provisioner uses.
type Admin interface {
	ListTopics() (map[string]sarama.TopicDetail, error)
	CreateTopic(topic string, detail *sarama.TopicDetail, validateOnly bool) error
	Close() error
}

// AdminFactory opens an admin client against the configured brokers.
type AdminFactory func(cfg config.StreamsConfig) (Admin, error)

// Provisioner creates missing streams. It opens one admin connection per call.
type Provisioner struct {
	cfg      config.StreamsConfig
	newAdmin AdminFactory
	logger   *zap.Logger
}

// NewProvisioner returns a Provisioner using sarama's cluster admin.
func NewProvisioner(cfg config.StreamsConfig, log *zap.Logger) *Provisioner {
	return NewProvisionerWithFactory(cfg, NewSaramaAdmin, log)
}

// NewProvisionerWithFactory returns a Provisioner using factory for admin clients.
func NewProvisionerWithFactory(cfg config.StreamsConfig, factory AdminFactory, log *zap.Logger) *Provisioner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Provisioner{cfg: cfg, newAdmin: factory, logger: log.With(zap.String("component", "topic_provisioner"))}
}

// Enabled reports whether streams are pre-created.
func (p *Provisioner) Enabled() bool { return p.cfg.PreCreate }

// NewSaramaAdmin opens a sarama cluster admin for cfg.Brokers.
func NewSaramaAdmin(cfg config.StreamsConfig) (Admin, error) {
	sc := sarama.NewConfig()
	sc.ClientID = "relay"
	sc.Admin.Timeout = 30 * time.Second
	sc.Net.DialTimeout = 10 * time.Second
	if cfg.KafkaVersion != "" {
		v, err := sarama.ParseKafkaVersion(cfg.KafkaVersion)
		if err != nil {
			return nil, errors.ConfigurationError("streams.kafka_version", err.Error())
		}
		sc.Version = v
	}
	admin, err := sarama.NewClusterAdmin(cfg.Brokers, sc)
	if err != nil {
		return nil, errors.Transient(err, "failed to connect to stream brokers")
	}
	return admin, nil
}

// Ensure creates every stream in names that does not exist yet and returns
// the ones it created. Existing streams are left untouched, whatever their
// partition count.
func (p *Provisioner) Ensure(ctx context.Context, names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	if len(p.cfg.Brokers) == 0 {
		return nil, errors.ConfigurationError("streams.brokers", "required when streams.pre_create is set")
	}
	log := logger.FromContext(ctx, p.logger)

	admin, err := p.newAdmin(p.cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := admin.Close(); cerr != nil {
			log.Warn("closing admin client", zap.Error(cerr))
		}
	}()

	existing, err := admin.ListTopics()
	if err != nil {
		return nil, errors.Transient(err, "failed to list streams")
	}

	detail := &sarama.TopicDetail{
		NumPartitions:     p.partitions(),
		ReplicationFactor: p.replicationFactor(),
	}
	var created []string
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return created, errors.FromContext(err, "stream provisioning interrupted")
		}
		if _, ok := existing[name]; ok {
			continue
		}
		err := admin.CreateTopic(name, detail, false)
		if isAlreadyExists(err) {
			continue
		}
		if err != nil {
			return created, errors.Transient(err, fmt.Sprintf("failed to create stream %s", name)).
				WithDetail("stream", name)
		}
		created = append(created, name)
		log.Info("stream created",
			zap.String("stream", name),
			zap.Int32("partitions", detail.NumPartitions),
			zap.Int16("replication_factor", detail.ReplicationFactor))
	}
	return created, nil
}

func (p *Provisioner) partitions() int32 {
	if p.cfg.Partitions > 0 {
		return p.cfg.Partitions
	}
	return 1
}

func (p *Provisioner) replicationFactor() int16 {
	if p.cfg.ReplicationFactor > 0 {
		return p.cfg.ReplicationFactor
	}
	return 1
}

func isAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	var topicErr *sarama.TopicError
	if stderrors.As(err, &topicErr) {
		return topicErr.Err == sarama.ErrTopicAlreadyExists
	}
	return stderrors.Is(err, sarama.ErrTopicAlreadyExists)
}
