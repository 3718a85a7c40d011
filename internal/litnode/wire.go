// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package litnode

// JSON-RPC methods served by signing nodes.
const (
	MethodHandshake      = "handshake"
	MethodSignSessionKey = "sign_session_key"
	MethodExecute        = "execute"
)

// Session signature derivation tags.
const (
	DerivedViaSession = "litSessionSignViaNacl"
	DerivedViaPKP     = "web3.eth.personal.sign via Lit PKP"
	SessionSigAlgo    = "ed25519"
)

// HandshakeParams opens a connection to a node.
type HandshakeParams struct {
	ClientPublicKey string `json:"clientPublicKey"`
	Challenge       string `json:"challenge"`
}

// HandshakeResult describes the node and the network it belongs to.
type HandshakeResult struct {
	Network          string `json:"network"`
	NodeAddress      string `json:"nodeAddress"`
	NetworkPublicKey string `json:"networkPublicKey"`
	Threshold        int    `json:"threshold"`
	ShareIndex       uint32 `json:"shareIndex"`
	Challenge        string `json:"challenge"`
}

// AuthMethod presents an identity assertion to the network.
type AuthMethod struct {
	AuthMethodType int    `json:"authMethodType"`
	AccessToken    string `json:"accessToken"`
}

// SignSessionKeyParams asks a node for its share of the PKP signature over
// a SIWE capability message.
type SignSessionKeyParams struct {
	SessionKey   string       `json:"sessionKey"`
	AuthMethods  []AuthMethod `json:"authMethods"`
	PKPPublicKey string       `json:"pkpPublicKey"`
	SiweMessage  string       `json:"siweMessage"`
	Resources    []string     `json:"resources"`
	ChainID      int          `json:"chainId"`
	Expiration   string       `json:"expiration"`
}

// SignSessionKeyResult carries one node's signature share.
type SignSessionKeyResult struct {
	SignatureShare SignatureShare `json:"signatureShare"`
}

// SignatureShare is one node's contribution to a threshold signature. R,
// RecoveryID and PublicKey are identical across nodes; S is the node's share
// of the signature's s value at ShareIndex.
type SignatureShare struct {
	SigName    string `json:"sigName,omitempty"`
	ShareIndex uint32 `json:"shareIndex"`
	R          string `json:"r"`
	S          string `json:"s"`
	RecoveryID byte   `json:"recid"`
	PublicKey  string `json:"publicKey"`
	DataSigned string `json:"dataSigned"`
}

// ExecuteParams runs action code on a node under a session signature.
type ExecuteParams struct {
	Code     string         `json:"code"`
	JSParams map[string]any `json:"jsParams"`
	AuthSig  SessionSig     `json:"authSig"`
}

// ExecuteResponse is one node's execution output.
type ExecuteResponse struct {
	Success    bool                      `json:"success"`
	SignedData map[string]SignatureShare `json:"signedData"`
	Response   string                    `json:"response,omitempty"`
	Logs       string                    `json:"logs,omitempty"`
}

// SessionSig authorises one node to act for the session key. SignedMessage
// is the JSON encoding of a SessionSigPayload; Sig is the hex ed25519
// signature over it by the session key in Address.
type SessionSig struct {
	Sig           string `json:"sig"`
	DerivedVia    string `json:"derivedVia"`
	SignedMessage string `json:"signedMessage"`
	Address       string `json:"address"`
	Algo          string `json:"algo"`
}

// SessionSigPayload is the content of a SessionSig.
type SessionSigPayload struct {
	SessionKey              string            `json:"sessionKey"`
	ResourceAbilityRequests []ResourceAbility `json:"resourceAbilityRequests"`
	Capabilities            []Capability      `json:"capabilities"`
	IssuedAt                string            `json:"issuedAt"`
	Expiration              string            `json:"expiration"`
	NodeAddress             string            `json:"nodeAddress"`
}

// ResourceAbility pairs a resource URI with the ability requested on it.
type ResourceAbility struct {
	Resource string `json:"resource"`
	Ability  string `json:"ability"`
}

// Capability is a PKP-signed SIWE message delegating resources to a
// session key.
type Capability struct {
	Sig           string `json:"sig"`
	DerivedVia    string `json:"derivedVia"`
	SignedMessage string `json:"signedMessage"`
	Address       string `json:"address"`
}
