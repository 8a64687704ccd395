package store

// QuotaEstimator reports the platform's storage usage and quota in bytes.
// Implementations wrap whatever the host platform offers; when nothing is
// available the permissive estimator degrades every quota check to a no-op.
type QuotaEstimator interface {
	Estimate() (usage, quota int64, err error)
}

// FixedQuotaEstimator returns constant usage/quota values. Used in tests and
// for hosts that configure a static storage budget.
type FixedQuotaEstimator struct {
	Usage int64
	Quota int64
}

// Estimate implements QuotaEstimator.
func (e *FixedQuotaEstimator) Estimate() (int64, int64, error) {
	return e.Usage, e.Quota, nil
}

// PermissiveQuotaEstimator reports zero usage and zero quota, which makes
// all quota checks pass.
type PermissiveQuotaEstimator struct{}

// Estimate implements QuotaEstimator.
func (PermissiveQuotaEstimator) Estimate() (int64, int64, error) {
	return 0, 0, nil
}
