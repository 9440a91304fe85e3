package jobs

// DataFeedJobABI is the subset of the data feed keeper job used by the keeper.
const DataFeedJobABI = `[
  {"type":"function","name":"workable","stateMutability":"view",
   "inputs":[{"name":"_chainId","type":"uint32"},{"name":"_poolSalt","type":"bytes32"},{"name":"_poolNonce","type":"uint24"}],
   "outputs":[{"name":"_isWorkable","type":"bool"}]},
  {"type":"function","name":"workable","stateMutability":"view",
   "inputs":[{"name":"_poolSalt","type":"bytes32"},{"name":"_reason","type":"uint8"}],
   "outputs":[{"name":"_isWorkable","type":"bool"}]},
  {"type":"function","name":"work","stateMutability":"nonpayable",
   "inputs":[{"name":"_chainId","type":"uint32"},{"name":"_poolSalt","type":"bytes32"},{"name":"_poolNonce","type":"uint24"},
             {"name":"_observationsData","type":"tuple[]","components":[{"name":"blockTimestamp","type":"uint32"},{"name":"tick","type":"int24"}]}],
   "outputs":[]},
  {"type":"function","name":"work","stateMutability":"nonpayable",
   "inputs":[{"name":"_poolSalt","type":"bytes32"},{"name":"_reason","type":"uint8"}],
   "outputs":[]},
  {"type":"function","name":"dataFeed","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"_dataFeed","type":"address"}]}
]`

// DataFeedABI is the subset of the data feed contract used by the keeper.
const DataFeedABI = `[
  {"type":"function","name":"whitelistedPools","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"_whitelistedPools","type":"bytes32[]"}]},
  {"type":"event","name":"PoolObserved","anonymous":false,
   "inputs":[{"name":"_poolSalt","type":"bytes32","indexed":false},{"name":"_poolNonce","type":"uint24","indexed":false},
             {"name":"_observationsData","type":"tuple[]","indexed":false,
              "components":[{"name":"blockTimestamp","type":"uint32"},{"name":"tick","type":"int24"}]}]}
]`

const (
	workableBroadcastSig = "workable(uint32,bytes32,uint24)"
	workBroadcastSig     = "work(uint32,bytes32,uint24,(uint32,int24)[])"
	workableFetchSig     = "workable(bytes32,uint8)"
	workFetchSig         = "work(bytes32,uint8)"

	poolObservedEvent = "PoolObserved"
)
