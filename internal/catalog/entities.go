// Package catalog implements the control-plane store: typed accessors over
// the ctl_* configuration tables and the append-only log_* run tables that
// drive every pipeline stage.
package catalog

import "time"

// Row status values shared by every log table.
const (
	StatusInProgress = "IN-PROGRESS"
	StatusSucceeded  = "SUCCEEDED"
	StatusFailed     = "FAILED"
)

// Dataset refinement tiers.
const (
	DatasetTypeBronze = "BRONZE"
	DatasetTypeSilver = "SILVER"
	DatasetTypeGold   = "GOLD"
)

// Source platforms dispatched at bronze acquisition.
const (
	PlatformSFTP        = "SFTP"
	PlatformObjectStore = "S3"
	PlatformDatabase    = "DATABASE"
	PlatformSalesforce  = "SALESFORCE"
	PlatformVeeva       = "VEEVA"
	PlatformAPI         = "API"
)

// Quality rule criticality.
const (
	CriticalityCritical    = "C"
	CriticalityNonCritical = "NC"
)

// FlagYes marks Y/N columns as set.
const FlagYes = "Y"

// AcquisitionConnection is one row of ctl_data_acquisition_connection_master:
// the credential and endpoint bundle for a (platform, system) pair. The
// connection_config payload is opaque JSON interpreted by the extractor.
type AcquisitionConnection struct {
	OutboundSourcePlatform string `db:"outbound_source_platform"`
	OutboundSourceSystem   string `db:"outbound_source_system"`
	ConnectionConfig       string `db:"connection_config"`
	SSHPrivateKey          string `db:"ssh_private_key"`
}

// APIConnectionDetail is one step of an API workflow
// (ctl_api_connections_dtl), ordered by SeqNo. Type TOKEN rows configure
// authentication; the first non-TOKEN row is the request that produces data.
type APIConnectionDetail struct {
	SeqNo                  int    `db:"seq_no"`
	PreIngestionDatasetID  int    `db:"pre_ingestion_dataset_id"`
	OutboundSourceSystem   string `db:"outbound_source_system"`
	Type                   string `db:"type"`
	TokenURL               string `db:"token_url"`
	AuthType               string `db:"auth_type"`
	TokenType              string `db:"token_type"`
	ClientID               string `db:"client_id"`
	ClientSecret           string `db:"client_secret"`
	Username               string `db:"username"`
	Password               string `db:"password"`
	Issuer                 string `db:"issuer"`
	Scope                  string `db:"scope"`
	PrivateKey             string `db:"private_key"`
	TokenPath              string `db:"token_path"`
	Method                 string `db:"method"`
	URL                    string `db:"url"`
	Headers                string `db:"headers"`
	Params                 string `db:"params"`
	Data                   string `db:"data"`
	JSONBody               string `db:"json_body"`
	BodyValues             string `db:"body_values"`
}

// AcquisitionDetail is one row of ctl_data_acquisition_detail: the
// per-dataset instruction for pulling source data into the inbound zone.
type AcquisitionDetail struct {
	ProcessID                       int    `db:"process_id"`
	PreIngestionDatasetID           int    `db:"pre_ingestion_dataset_id"`
	PreIngestionDatasetName         string `db:"pre_ingestion_dataset_name"`
	OutboundSourcePlatform          string `db:"outbound_source_platform"`
	OutboundSourceSystem            string `db:"outbound_source_system"`
	OutboundSourceLocation          string `db:"outbound_source_location"`
	OutboundSourceFilePatternStatic string `db:"outbound_source_file_pattern_static"`
	OutboundSourceFilePattern       string `db:"outbound_source_file_pattern"`
	OutboundSourceFileFormat        string `db:"outbound_source_file_format"`
	OutboundFileDelimiter           string `db:"outbound_file_delimiter"`
	Query                           string `db:"query"`
	Columns                         string `db:"columns"`
	InboundLocation                 string `db:"inbound_location"`
}

// ColumnMetadata is one row of ctl_column_metadata: a declared output column
// with its semantic type, source mapping and position.
type ColumnMetadata struct {
	ColumnID             int    `db:"column_id"`
	TableName            string `db:"table_name"`
	DatasetID            int    `db:"dataset_id"`
	ColumnName           string `db:"column_name"`
	ColumnDataType       string `db:"column_data_type"`
	ColumnDateFormat     string `db:"column_date_format"`
	ColumnDescription    string `db:"column_description"`
	ColumnJSONMapping    string `db:"column_json_mapping"`
	SourceColumnName     string `db:"source_column_name"`
	ColumnSequenceNumber int    `db:"column_sequence_number"`
	ColumnTag            string `db:"column_tag"`
}

// DatasetMaster is one row of ctl_dataset_master: the per-layer locations,
// tables, file patterns and partition columns of a dataset.
type DatasetMaster struct {
	ProcessID                           int    `db:"process_id"`
	DatasetID                           int    `db:"dataset_id"`
	DatasetName                         string `db:"dataset_name"`
	DatasetType                         string `db:"dataset_type"`
	Provider                            string `db:"provider"`
	SubjectArea                         string `db:"subject_area"`
	InboundLocation                     string `db:"inbound_location"`
	InboundFilePattern                  string `db:"inbound_file_pattern"`
	InboundStaticFilePattern            string `db:"inbound_static_file_pattern"`
	InboundFileFormat                   string `db:"inbound_file_format"`
	InboundFileDelimiter                string `db:"inbound_file_delimiter"`
	LandingLocation                     string `db:"landing_location"`
	LandingTable                        string `db:"landing_table"`
	LandingPartitionColumns             string `db:"landing_partition_columns"`
	DataStandardisationLocation         string `db:"data_standardisation_location"`
	DataStandardisationPartitionColumns string `db:"data_standardisation_partition_columns"`
	DQMErrorLocation                    string `db:"dqm_error_location"`
	DQMPartitionColumns                 string `db:"dqm_partition_columns"`
	StagingLocation                     string `db:"staging_location"`
	StagingTable                        string `db:"staging_table"`
	StagingPartitionColumns             string `db:"staging_partition_columns"`
	TransformationLocation              string `db:"transformation_location"`
	TransformationTable                 string `db:"transformation_table"`
	TransformationPartitionColumns      string `db:"transformation_partition_columns"`
	ArchiveLocation                     string `db:"archive_location"`
	PublishLocation                     string `db:"publish_location"`
	PublishTable                        string `db:"publish_table"`
	PublishPartitionColumns             string `db:"publish_partition_columns"`
}

// StandardizationRule is one row of ctl_data_standardisation_dtl: a declared
// column-level transform with JSON-encoded parameters.
type StandardizationRule struct {
	DatasetID      int    `db:"dataset_id"`
	ColumnName     string `db:"column_name"`
	FunctionName   string `db:"function_name"`
	FunctionParams string `db:"function_params"`
}

// QualityRule is one row of ctl_dqm_master_dtl: a per-column quality check
// with criticality and breach threshold.
type QualityRule struct {
	QcID                    int    `db:"qc_id"`
	ProcessID               int    `db:"process_id"`
	DatasetID               int    `db:"dataset_id"`
	ColumnName              string `db:"column_name"`
	QcType                  string `db:"qc_type"`
	QcParam                 string `db:"qc_param"`
	ActiveFlag              string `db:"active_flag"`
	QcFilter                string `db:"qc_filter"`
	Criticality             string `db:"criticality"`
	CriticalityThresholdPct int    `db:"criticality_threshold_pct"`
}

// TransformationDependency is one row of ctl_transformation_dependency_master:
// an edge of the gold dependency list. The depedent_dataset_id spelling is
// part of the wire contract.
type TransformationDependency struct {
	ProcessID                 int    `db:"process_id"`
	TransformationStep        string `db:"transformation_step"`
	DatasetID                 int    `db:"dataset_id"`
	DependentDatasetID        int    `db:"depedent_dataset_id"`
	TransformationType        string `db:"transformation_type"`
	JoinHow                   string `db:"join_how"`
	LeftTableColumns          string `db:"left_table_columns"`
	RightTableColumns         string `db:"right_table_columns"`
	PrimaryKeys               string `db:"primary_keys"`
	CustomTransformationQuery string `db:"custom_transformation_query"`
	ExtraValues               string `db:"extra_values"`
}

// AcquisitionLog is one row of log_data_acquisition_detail: a single
// extractor attempt.
type AcquisitionLog struct {
	SeqNo                  int       `db:"seq_no"`
	BatchID                int64     `db:"batch_id"`
	RunDate                time.Time `db:"run_date"`
	ProcessID              int       `db:"process_id"`
	PreIngestionDatasetID  int       `db:"pre_ingestion_dataset_id"`
	OutboundSourceLocation string    `db:"outbound_source_location"`
	InboundFileLocation    string    `db:"inbound_file_location"`
	Status                 string    `db:"status"`
	ExceptionDetails       string    `db:"exception_details"`
	StartTime              time.Time `db:"start_time"`
	EndTime                time.Time `db:"end_time"`
}

// RawProcessLog is one row of log_raw_process_dtl: one object promoted from
// inbound to the landing table.
type RawProcessLog struct {
	FileID               int       `db:"file_id"`
	RunDate              time.Time `db:"run_date"`
	BatchID              int64     `db:"batch_id"`
	ProcessID            int       `db:"process_id"`
	DatasetID            int       `db:"dataset_id"`
	SourceFile           string    `db:"source_file"`
	LandingLocation      string    `db:"landing_location"`
	FileStatus           string    `db:"file_status"`
	ExceptionDetails     string    `db:"exception_details"`
	FileProcessStartTime time.Time `db:"file_process_start_time"`
	FileProcessEndTime   time.Time `db:"file_process_end_time"`
}

// StandardizationLog is one row of log_data_standardisation_dtl: a single
// silver standardize attempt for one (batch, source file).
type StandardizationLog struct {
	SeqNo                       int       `db:"seq_no"`
	BatchID                     int64     `db:"batch_id"`
	ProcessID                   int       `db:"process_id"`
	DatasetID                   int       `db:"dataset_id"`
	SourceFile                  string    `db:"source_file"`
	DataStandardisationLocation string    `db:"data_standardisation_location"`
	Status                      string    `db:"status"`
	ExceptionDetails            string    `db:"exception_details"`
	StartDatetime               time.Time `db:"start_datetime"`
	EndDatetime                 time.Time `db:"end_datetime"`
}

// QualityLog is one row of log_dqm_dtl: one executed quality check, or the
// single pass-through summary row when a dataset has no rules.
type QualityLog struct {
	SeqNo                   int       `db:"seq_no"`
	ProcessID               int       `db:"process_id"`
	DatasetID               int       `db:"dataset_id"`
	BatchID                 int64     `db:"batch_id"`
	SourceFile              string    `db:"source_file"`
	ColumnName              string    `db:"column_name"`
	QcType                  string    `db:"qc_type"`
	QcParam                 string    `db:"qc_param"`
	QcFilter                string    `db:"qc_filter"`
	Criticality             string    `db:"criticality"`
	CriticalityThresholdPct int       `db:"criticality_threshold_pct"`
	ErrorCount              int       `db:"error_count"`
	ErrorPct                int       `db:"error_pct"`
	Status                  string    `db:"status"`
	DqmStartTime            time.Time `db:"dqm_start_time"`
	DqmEndTime              time.Time `db:"dqm_end_time"`
}

// TransformationLog is one row of log_transformation_dtl: a single gold
// transform attempt for one (batch, source file).
type TransformationLog struct {
	SeqNo                   int       `db:"seq_no"`
	BatchID                 int64     `db:"batch_id"`
	DataDate                time.Time `db:"data_date"`
	ProcessID               int       `db:"process_id"`
	DatasetID               int       `db:"dataset_id"`
	SourceFile              string    `db:"source_file"`
	Status                  string    `db:"status"`
	ExceptionDetails        string    `db:"exception_details"`
	TransformationStartTime time.Time `db:"transformation_start_time"`
	TransformationEndTime   time.Time `db:"transformation_end_time"`
}

// UnprocessedFile is the projection returned by the "unprocessed at stage S"
// selectors: a (batch, source file) pair that succeeded at the predecessor
// stage and has not yet succeeded at stage S.
type UnprocessedFile struct {
	BatchID    int64  `db:"batch_id"`
	SourceFile string `db:"source_file"`
}
