package deploy

import (
	xerrors "chain-deployer/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// Result 是一次部署的最终结果，只有 Success 与 Failure 两种实现。
type Result interface {
	isResult()
	// Succeeded 报告部署是否已确认上链。
	Succeeded() bool
}

// Success 表示合约创建交易已被确认。
type Success struct {
	RunID       string
	Contract    string
	Address     common.Address
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
}

func (Success) isResult() {}

func (Success) Succeeded() bool { return true }

// Failure 表示部署在某个阶段失败。TxHash 仅在交易已广播后非空。
type Failure struct {
	RunID    string
	Contract string
	Code     xerrors.Code
	Reason   string
	TxHash   *common.Hash
	Err      error
}

func (Failure) isResult() {}

func (Failure) Succeeded() bool { return false }

// Error 返回失败原因，便于 Failure 直接作为 error 使用。
func (f Failure) Error() string { return f.Reason }

func (f Failure) Unwrap() error { return f.Err }

// ExitCode 将结果映射为进程退出码。
func ExitCode(r Result) int {
	if r != nil && r.Succeeded() {
		return 0
	}
	return 1
}

func failureFrom(runID, contract string, err error, txHash *common.Hash) Failure {
	code := xerrors.CodeOf(err)
	return Failure{
		RunID:    runID,
		Contract: contract,
		Code:     code,
		Reason:   xerrors.ReasonOf(err),
		TxHash:   txHash,
		Err:      err,
	}
}
