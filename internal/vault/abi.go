package vault

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// TimelockVaultABI is the published interface of the vault proxy.
const TimelockVaultABI = `[
  {"type":"function","name":"getDeposit","stateMutability":"view",
   "inputs":[{"name":"depositId","type":"uint256"}],
   "outputs":[
     {"name":"depositor","type":"address"},
     {"name":"beneficiary","type":"address"},
     {"name":"token","type":"address"},
     {"name":"amount","type":"uint256"},
     {"name":"unlockTime","type":"uint256"},
     {"name":"withdrawn","type":"bool"}]},
  {"type":"function","name":"depositEth","stateMutability":"payable",
   "inputs":[{"name":"beneficiary","type":"address"},{"name":"unlockTime","type":"uint256"}],
   "outputs":[{"name":"depositId","type":"uint256"}]},
  {"type":"function","name":"depositERC20","stateMutability":"nonpayable",
   "inputs":[
     {"name":"token","type":"address"},
     {"name":"amount","type":"uint256"},
     {"name":"beneficiary","type":"address"},
     {"name":"unlockTime","type":"uint256"}],
   "outputs":[{"name":"depositId","type":"uint256"}]},
  {"type":"function","name":"withdraw","stateMutability":"nonpayable",
   "inputs":[{"name":"depositId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"extendLock","stateMutability":"nonpayable",
   "inputs":[{"name":"depositId","type":"uint256"},{"name":"newUnlockTime","type":"uint256"}],
   "outputs":[]},
  {"type":"event","name":"DepositCreated","anonymous":false,
   "inputs":[
     {"name":"depositId","type":"uint256","indexed":true},
     {"name":"depositor","type":"address","indexed":true},
     {"name":"beneficiary","type":"address","indexed":true},
     {"name":"token","type":"address","indexed":false},
     {"name":"amount","type":"uint256","indexed":false},
     {"name":"unlockTime","type":"uint256","indexed":false}]},
  {"type":"event","name":"Withdrawn","anonymous":false,
   "inputs":[
     {"name":"depositId","type":"uint256","indexed":true},
     {"name":"beneficiary","type":"address","indexed":true},
     {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"LockExtended","anonymous":false,
   "inputs":[
     {"name":"depositId","type":"uint256","indexed":true},
     {"name":"newUnlockTime","type":"uint256","indexed":false}]}
]`

// ERC20ABI covers the token methods the vault client needs.
const ERC20ABI = `[
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"symbol","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

var (
	vaultABI = mustParseABI(TimelockVaultABI)
	erc20ABI = mustParseABI(ERC20ABI)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("vault: parse abi: " + err.Error())
	}
	return parsed
}
