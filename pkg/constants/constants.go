package constants

import "time"

// Application constants
const (
	AppName        = "chatgru"
	AppDescription = "Sequence-to-sequence GRU trainer for conversational response generation"
	AppVersion     = "0.1.0"
	EnvPrefix      = "CHATGRU"
)

// Reserved vocabulary tokens. Their indices are fixed and always occupy the
// head of the index space.
const (
	PadToken = "<pad>"
	SOSToken = "<sos>"
	EOSToken = "<eos>"
	UNKToken = "<unk>"

	PadIndex = 0
	SOSIndex = 1
	EOSIndex = 2
	UNKIndex = 3

	NumReservedTokens = 4
)

// Training defaults
const (
	DefaultNumIters            = 10
	DefaultNumLayers           = 3
	DefaultHiddenSize          = 1024
	DefaultBatchSize           = 32
	DefaultLearningRate        = 0.001
	DefaultMaxLength           = 20
	DefaultDropout             = 0.1
	DefaultClip                = 50.0
	DefaultTeacherForcingRatio = 1.0
	DefaultValidationSplit     = 0.1
	DefaultMinCount            = 1
	DefaultPrintEvery          = 100
	DefaultValidateEvery       = 1
	DefaultNumSamples          = 5
	DefaultDataset             = "../Datasets/OpenSubtitles/"
	DefaultEmbeddingFile       = "../../Embeddings/GoogleNews/GoogleNews-vectors-negative300.bin.gz"
)

// Preprocessing policies
const (
	LengthPolicyDrop     = "drop"
	LengthPolicyTruncate = "truncate"

	OOVInitZero   = "zero"
	OOVInitRandom = "random"

	EmbeddingFormatAuto   = "auto"
	EmbeddingFormatBinary = "binary"
	EmbeddingFormatText   = "text"
)

// Observability defaults
const (
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "text"
	DefaultMetricsAddr  = ":9090"
	DefaultMetricsPath  = "/metrics"
	DefaultStatusPath   = "/status"
	MetricsNamespace    = "chatgru"
	MetricsSubsystem    = "training"
	DefaultReadTimeout  = 15 * time.Second
	DefaultWriteTimeout = 15 * time.Second
)

// Storage defaults
const (
	StorageTypeNone       = "none"
	StorageTypeFile       = "file"
	StorageTypeS3         = "s3"
	StorageTypeRedis      = "redis"
	SinkTypeInfluxDB      = "influxdb"
	SinkTypePostgres      = "postgres"
	DefaultCheckpointDir  = "checkpoints"
	DefaultKeyPrefix      = "chatgru"
	DefaultStorageTimeout = 30 * time.Second
	CheckpointFileName    = "model.ckpt"
)
