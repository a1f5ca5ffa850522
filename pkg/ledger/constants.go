package ledger

const (
	operationCreateTransaction = "create_transaction"
	operationRollback          = "rollback"
	operationVerifyAccount     = "verify_account"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	rollbackRefDelimiter = ":"
	rollbackRefSuffix    = "rollback"

	defaultFeePoolOwner = "fees"
)
