package state

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	agreementPrefix       = []byte("escrow/agreement/")
	agreementCountKeyRaw  = []byte("escrow/agreement-count")
	clientIndexPrefix     = []byte("escrow/index/client/")
	freelancerIndexPrefix = []byte("escrow/index/freelancer/")
	custodyPrefix         = []byte("escrow/custody/")
	accountPrefix         = []byte("account/")
)

// defaultVaultAddress holds all custodied funds when no vault is configured.
var defaultVaultAddress = common.BytesToAddress(ethcrypto.Keccak256([]byte("trustwork/escrow-vault"))[12:])

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

func idSuffix(prefix []byte, id uint64) []byte {
	buf := make([]byte, len(prefix)+8)
	copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[len(prefix):], id)
	return buf
}

func addrSuffix(prefix []byte, addr common.Address) []byte {
	buf := make([]byte, len(prefix)+common.AddressLength)
	copy(buf, prefix)
	copy(buf[len(prefix):], addr.Bytes())
	return buf
}

// AgreementKey returns the raw (unhashed) key of agreement id.
func AgreementKey(id uint64) []byte { return idSuffix(agreementPrefix, id) }

// AgreementCountKey returns the raw key of the agreement counter.
func AgreementCountKey() []byte { return append([]byte(nil), agreementCountKeyRaw...) }

// ClientIndexKey returns the raw key listing agreements funded by addr.
func ClientIndexKey(addr common.Address) []byte { return addrSuffix(clientIndexPrefix, addr) }

// FreelancerIndexKey returns the raw key listing agreements paying addr.
func FreelancerIndexKey(addr common.Address) []byte { return addrSuffix(freelancerIndexPrefix, addr) }

// CustodyKey returns the raw key of the custody attributed to agreement id.
func CustodyKey(id uint64) []byte { return idSuffix(custodyPrefix, id) }

// AccountKey returns the raw key of addr's account record.
func AccountKey(addr common.Address) []byte { return addrSuffix(accountPrefix, addr) }
